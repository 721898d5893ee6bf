// Package redis implements the execution ledger on Redis so that nodes
// sharing no database can still agree on who fires a trigger.
//
// Three keys hold the ledger: a sorted set of row ids scored by execution
// time, a hash of row id to "unixnano|trigger id" and a hash of trigger id to
// row id. Every mutation runs as a Lua script, so a compare-and-swap on
// (id, execution time) is atomic on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-protect/internal/domain"
)

const DefaultPrefix = "easyprotect:ledger"

type Ledger struct {
	client   redis.UniversalClient
	due      string
	rows     string
	triggers string
}

// NewLedger stores the ledger under keys starting with prefix. The prefix is
// wrapped in a hash tag so every key lands on one cluster slot.
func NewLedger(client redis.UniversalClient, prefix string) *Ledger {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	tag := "{" + prefix + "}"
	return &Ledger{
		client:   client,
		due:      tag + ":due",
		rows:     tag + ":rows",
		triggers: tag + ":triggers",
	}
}

func (l *Ledger) keys() []string { return []string{l.due, l.rows, l.triggers} }

var earliestScript = redis.NewScript(`
local ids = redis.call("ZRANGE", KEYS[1], 0, 0)
if #ids == 0 then
  return false
end
local v = redis.call("HGET", KEYS[2], ids[1])
if not v then
  return false
end
return {ids[1], v}
`)

var insertScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[3], ARGV[2]) == 1 then
  return 0
end
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3] .. "|" .. ARGV[2])
redis.call("HSET", KEYS[3], ARGV[2], ARGV[1])
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// ARGV: id, expected nanos, next nanos, next score
var updateScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[2], ARGV[1])
if not v then
  return 0
end
local sep = string.find(v, "|", 1, true)
if string.sub(v, 1, sep - 1) ~= ARGV[2] then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[3] .. string.sub(v, sep))
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// ARGV: id, expected nanos ("" skips the comparison)
var deleteScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[2], ARGV[1])
if not v then
  return 0
end
local sep = string.find(v, "|", 1, true)
if ARGV[2] ~= "" and string.sub(v, 1, sep - 1) ~= ARGV[2] then
  return 0
end
local trigger = string.sub(v, sep + 1)
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
if redis.call("HGET", KEYS[3], trigger) == ARGV[1] then
  redis.call("HDEL", KEYS[3], trigger)
end
return 1
`)

func (l *Ledger) Earliest(ctx context.Context) (domain.LedgerRow, error) {
	res, err := earliestScript.Run(ctx, l.client, l.keys()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerRow{}, fmt.Errorf("redis earliest: %w", err)
	}
	if len(res) != 2 {
		return domain.LedgerRow{}, fmt.Errorf("redis earliest: unexpected reply %v", res)
	}
	return decodeRow(res[0], res[1])
}

func (l *Ledger) GetByTrigger(ctx context.Context, triggerID string) (domain.LedgerRow, error) {
	id, err := l.client.HGet(ctx, l.triggers, triggerID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerRow{}, fmt.Errorf("redis get by trigger: %w", err)
	}
	v, err := l.client.HGet(ctx, l.rows, id).Result()
	if errors.Is(err, redis.Nil) {
		return domain.LedgerRow{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.LedgerRow{}, fmt.Errorf("redis get row: %w", err)
	}
	return decodeRow(id, v)
}

func (l *Ledger) Insert(ctx context.Context, row domain.LedgerRow) error {
	n, err := insertScript.Run(ctx, l.client, l.keys(),
		row.ID, row.TriggerID, nanos(row.ExecutionTime), score(row.ExecutionTime)).Int()
	if err != nil {
		return fmt.Errorf("redis insert: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("ledger row for trigger %s: %w", row.TriggerID, domain.ErrAlreadyExists)
	}
	return nil
}

func (l *Ledger) UpdateIfUnchanged(ctx context.Context, id string, expected, next time.Time) (bool, error) {
	n, err := updateScript.Run(ctx, l.client, l.keys(),
		id, nanos(expected), nanos(next), score(next)).Int()
	if err != nil {
		return false, fmt.Errorf("redis update: %w", err)
	}
	return n == 1, nil
}

func (l *Ledger) DeleteIfUnchanged(ctx context.Context, id string, expected time.Time) (bool, error) {
	n, err := deleteScript.Run(ctx, l.client, l.keys(), id, nanos(expected)).Int()
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return n == 1, nil
}

func (l *Ledger) Delete(ctx context.Context, id string) error {
	if err := deleteScript.Run(ctx, l.client, l.keys(), id, "").Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (l *Ledger) DeleteByTrigger(ctx context.Context, triggerID string) error {
	id, err := l.client.HGet(ctx, l.triggers, triggerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get by trigger: %w", err)
	}
	return l.Delete(ctx, id)
}

// List returns rows ordered by execution time.
func (l *Ledger) List(ctx context.Context, limit, offset int) ([]domain.LedgerRow, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := l.client.ZRange(ctx, l.due, int64(offset), stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := l.client.HMGet(ctx, l.rows, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list rows: %w", err)
	}
	rows := make([]domain.LedgerRow, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // deleted between the two reads
		}
		row, err := decodeRow(ids[i], s)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func decodeRow(id, value string) (domain.LedgerRow, error) {
	ns, triggerID, ok := strings.Cut(value, "|")
	if !ok {
		return domain.LedgerRow{}, fmt.Errorf("ledger row %s: malformed value %q", id, value)
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return domain.LedgerRow{}, fmt.Errorf("ledger row %s: %w", id, err)
	}
	return domain.LedgerRow{ID: id, TriggerID: triggerID, ExecutionTime: time.Unix(0, n).UTC()}, nil
}

func nanos(t time.Time) string { return strconv.FormatInt(t.UnixNano(), 10) }

func score(t time.Time) int64 { return t.UnixMilli() }
