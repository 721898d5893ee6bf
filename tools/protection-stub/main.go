// protection-stub serves the checkpoint endpoints of the protection service
// from memory so the engine can be run end to end locally.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"
)

type checkpoint struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	CreatedAt string            `json:"created_at"`
	PlanID    string            `json:"plan_id"`
	ExtraInfo map[string]string `json:"extra_info,omitempty"`

	project  string
	provider string
}

type envelope struct {
	Checkpoint checkpoint `json:"checkpoint"`
}

type stats struct {
	Created int64  `json:"created"`
	Deleted int64  `json:"deleted"`
	Failed  int64  `json:"failed"`
	Live    int    `json:"live"`
	Since   string `json:"since"`
}

type server struct {
	mu          sync.Mutex
	seq         int64
	checkpoints map[string]checkpoint
	created     int64
	deleted     int64
	failed      int64
	since       time.Time

	// failEvery makes every n-th create answer failStatus; 0 disables.
	failEvery  int64
	failStatus int
}

func newServer(failEvery int64, failStatus int) *server {
	return &server{
		checkpoints: make(map[string]checkpoint),
		since:       time.Now().UTC(),
		failEvery:   failEvery,
		failStatus:  failStatus,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/{project}/providers/{provider}/checkpoints", s.create)
	mux.HandleFunc("GET /v1/{project}/providers/{provider}/checkpoints", s.list)
	mux.HandleFunc("DELETE /v1/{project}/providers/{provider}/checkpoints/{id}", s.delete)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("POST /reset", s.reset)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func (s *server) create(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Auth-Token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	var in envelope
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Checkpoint.PlanID == "" {
		http.Error(w, "plan_id required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.seq++
	if s.failEvery > 0 && s.seq%s.failEvery == 0 {
		s.failed++
		s.mu.Unlock()
		http.Error(w, "injected failure", s.failStatus)
		return
	}
	cp := checkpoint{
		ID:        "cp-" + strconv.FormatInt(s.seq, 10),
		Status:    "available",
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		PlanID:    in.Checkpoint.PlanID,
		ExtraInfo: in.Checkpoint.ExtraInfo,
		project:   r.PathValue("project"),
		provider:  r.PathValue("provider"),
	}
	s.checkpoints[cp.ID] = cp
	s.created++
	s.mu.Unlock()

	log.Printf("checkpoint created: %s plan=%s", cp.ID, cp.PlanID)
	writeJSON(w, http.StatusAccepted, envelope{Checkpoint: cp})
}

func (s *server) list(w http.ResponseWriter, r *http.Request) {
	project, provider := r.PathValue("project"), r.PathValue("provider")
	plan, status := r.URL.Query().Get("plan_id"), r.URL.Query().Get("status")

	s.mu.Lock()
	out := make([]checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		if cp.project != project || cp.provider != provider {
			continue
		}
		if (plan != "" && cp.PlanID != plan) || (status != "" && cp.Status != status) {
			continue
		}
		out = append(out, cp)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	writeJSON(w, http.StatusOK, map[string][]checkpoint{"checkpoints": out})
}

func (s *server) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s.mu.Lock()
	_, ok := s.checkpoints[id]
	if ok {
		delete(s.checkpoints, id)
		s.deleted++
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Printf("checkpoint deleted: %s", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) stats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	st := stats{
		Created: s.created,
		Deleted: s.deleted,
		Failed:  s.failed,
		Live:    len(s.checkpoints),
		Since:   s.since.Format(time.RFC3339),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *server) reset(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.checkpoints = make(map[string]checkpoint)
	s.created, s.deleted, s.failed, s.seq = 0, 0, 0, 0
	s.since = time.Now().UTC()
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "reset")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func main() {
	addr := ":8807"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	failEvery, _ := strconv.ParseInt(os.Getenv("FAIL_EVERY"), 10, 64)
	failStatus := http.StatusServiceUnavailable
	if v, err := strconv.Atoi(os.Getenv("FAIL_STATUS")); err == nil {
		failStatus = v
	}

	log.Printf("protection-stub listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, newServer(failEvery, failStatus).routes()))
}
