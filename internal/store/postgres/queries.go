package postgres

// Triggers

const queryInsertTrigger = `
INSERT INTO triggers (id, name, project_id, type, format, pattern, start_time, end_time, window_seconds, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryUpdateTrigger = `
UPDATE triggers
SET name = $2, format = $3, pattern = $4, start_time = $5, end_time = $6, window_seconds = $7
WHERE id = $1
`

const querySelectTrigger = `
SELECT id, name, project_id, type, format, pattern, start_time, end_time, window_seconds, created_at
FROM triggers
`

const queryGetTrigger = querySelectTrigger + `WHERE id = $1`

const queryListTriggers = querySelectTrigger + `
ORDER BY created_at, id
LIMIT $1 OFFSET $2
`

const queryDeleteTrigger = `DELETE FROM triggers WHERE id = $1`

// Scheduled operations

const queryInsertOperation = `
INSERT INTO scheduled_operations (id, name, operation_type, definition, trigger_id, user_id, project_id, enabled, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetOperation = `
SELECT id, name, operation_type, definition, trigger_id, user_id, project_id, enabled, created_at
FROM scheduled_operations
WHERE id = $1
`

const querySetOperationEnabled = `UPDATE scheduled_operations SET enabled = $2 WHERE id = $1`

const queryDeleteOperation = `DELETE FROM scheduled_operations WHERE id = $1`

// Operation states

const queryInsertState = `
INSERT INTO operation_states (operation_id, service_id, trust_id, state, end_time_for_run)
VALUES ($1, $2, $3, $4, $5)
`

const queryGetState = `
SELECT operation_id, service_id, trust_id, state, end_time_for_run
FROM operation_states
WHERE operation_id = $1
`

// A deleted state only accepts being deleted again.
const queryUpdateState = `
UPDATE operation_states
SET state = COALESCE($2::text, state),
    end_time_for_run = COALESCE($3::timestamptz, end_time_for_run)
WHERE operation_id = $1
  AND (state <> 'deleted' OR $2::text = 'deleted')
`

const queryDeleteState = `DELETE FROM operation_states WHERE operation_id = $1`

const queryListStates = `
SELECT
    s.operation_id, s.service_id, s.trust_id, s.state, s.end_time_for_run,
    o.id, o.name, o.operation_type, o.definition, o.trigger_id, o.user_id, o.project_id, o.enabled, o.created_at
FROM operation_states s
JOIN scheduled_operations o ON o.id = s.operation_id
WHERE ($1 = '' OR s.service_id = $1)
  AND (cardinality($2::text[]) = 0 OR s.state = ANY($2::text[]))
ORDER BY s.operation_id
LIMIT $3 OFFSET $4
`

// Operation logs

const queryInsertLog = `
INSERT INTO operation_logs (id, operation_id, expect_start_time, triggered_time, actual_start_time, end_time, state, error, extra_info, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const queryUpdateLog = `
UPDATE operation_logs
SET state = COALESCE($2::text, state),
    end_time = COALESCE($3::timestamptz, end_time),
    error = COALESCE($4::text, error),
    extra_info = COALESCE($5::jsonb, extra_info)
WHERE id = $1
`

const queryListLogs = `
SELECT id, operation_id, expect_start_time, triggered_time, actual_start_time, end_time, state, error, extra_info, created_at
FROM operation_logs
WHERE operation_id = $1
  AND (cardinality($2::text[]) = 0 OR state = ANY($2::text[]))
ORDER BY created_at DESC, id DESC
`

const queryDeleteLogs = `DELETE FROM operation_logs WHERE id = ANY($1::text[])`

// Execution ledger

const queryLedgerEarliest = `
SELECT id, trigger_id, execution_time
FROM execution_ledger
ORDER BY execution_time, id
LIMIT 1
`

const queryLedgerByTrigger = `
SELECT id, trigger_id, execution_time
FROM execution_ledger
WHERE trigger_id = $1
`

const queryLedgerInsert = `
INSERT INTO execution_ledger (id, trigger_id, execution_time)
VALUES ($1, $2, $3)
`

// The execution_time guard makes the update a compare-and-swap: PostgreSQL
// locks the row before evaluating WHERE, so only one concurrent claim matches.
const queryLedgerUpdateIfUnchanged = `
UPDATE execution_ledger
SET execution_time = $3
WHERE id = $1 AND execution_time = $2
`

const queryLedgerDeleteIfUnchanged = `
DELETE FROM execution_ledger
WHERE id = $1 AND execution_time = $2
`

const queryLedgerDelete = `DELETE FROM execution_ledger WHERE id = $1`

const queryLedgerDeleteByTrigger = `DELETE FROM execution_ledger WHERE trigger_id = $1`

const queryLedgerList = `
SELECT id, trigger_id, execution_time
FROM execution_ledger
ORDER BY execution_time, id
LIMIT $1 OFFSET $2
`
