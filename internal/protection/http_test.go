package protection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestHTTPClient_CreateCheckpoint(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotToken  string
		gotBody   map[string]map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Auth-Token")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"checkpoint":{"id":"cp-1","status":"protecting","created_at":"2024-01-15T10:00:00Z","protection_plan":{"id":"plan-1"}}}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL + "/")
	cp, err := client.CreateCheckpoint(context.Background(), "tok", "proj-1", "prov-1", "plan-1",
		map[string]string{"created_by": "operation-engine"})
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %s, want POST", gotMethod)
	}
	if gotPath != "/v1/proj-1/providers/prov-1/checkpoints" {
		t.Errorf("path = %s", gotPath)
	}
	if gotToken != "tok" {
		t.Errorf("token = %q", gotToken)
	}
	if gotBody["checkpoint"]["plan_id"] != "plan-1" {
		t.Errorf("body = %v", gotBody)
	}

	if cp.ID != "cp-1" || cp.PlanID != "plan-1" || cp.ProviderID != "prov-1" {
		t.Errorf("checkpoint = %+v", cp)
	}
	if !cp.CreatedAt.Equal(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("created_at = %v", cp.CreatedAt)
	}
}

func TestHTTPClient_ListCheckpoints(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"checkpoints":[
			{"id":"cp-1","status":"available","created_at":"2024-01-14T10:00:00Z"},
			{"id":"cp-2","status":"available","created_at":"2024-01-15T10:00:00Z"}]}`))
	}))
	defer server.Close()

	cps, err := NewHTTPClient(server.URL).ListCheckpoints(context.Background(), "tok", "proj-1", "prov-1", "plan-1", "available")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if gotQuery != "plan_id=plan-1&status=available" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(cps) != 2 || cps[1].ID != "cp-2" {
		t.Errorf("checkpoints = %+v", cps)
	}
}

func TestHTTPClient_DeleteCheckpoint(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	if err := NewHTTPClient(server.URL).DeleteCheckpoint(context.Background(), "tok", "proj-1", "prov-1", "cp-9"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/proj-1/providers/prov-1/checkpoints/cp-9" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestHTTPClient_StatusError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer server.Close()

			_, err := NewHTTPClient(server.URL).CreateCheckpoint(context.Background(), "tok", "p", "prov", "plan", nil)
			var se *StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected StatusError, got %v", err)
			}
			if se.StatusCode != tt.status || se.Body != "nope" {
				t.Errorf("StatusError = %+v", se)
			}
			if IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	err := NewHTTPClient(server.URL).WithTimeout(20*time.Millisecond).
		DeleteCheckpoint(context.Background(), "tok", "p", "prov", "cp")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsRetryable(err) {
		t.Error("transport timeouts should be retryable")
	}
}

func TestIsRetryable_Nil(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error is not retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
}

type mockMetrics struct {
	mu      sync.Mutex
	classes []string
}

func (m *mockMetrics) ProtectionRequest(method, statusClass string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = append(m.classes, method+" "+statusClass)
}

func TestHTTPClient_RecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"checkpoints":[]}`))
	}))
	defer server.Close()

	sink := &mockMetrics{}
	client := NewHTTPClient(server.URL).WithMetrics(sink)

	_, _ = client.ListCheckpoints(context.Background(), "tok", "p", "prov", "plan", "")
	_ = client.DeleteCheckpoint(context.Background(), "tok", "p", "prov", "cp")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	want := []string{"GET 2xx", "DELETE 5xx"}
	if len(sink.classes) != len(want) {
		t.Fatalf("recorded = %v, want %v", sink.classes, want)
	}
	for i := range want {
		if sink.classes[i] != want[i] {
			t.Errorf("recorded[%d] = %q, want %q", i, sink.classes[i], want[i])
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		{"200 OK", 200, nil, StatusClass2xx},
		{"202 Accepted", 202, nil, StatusClass2xx},
		{"404 Not Found", 404, nil, StatusClass4xx},
		{"429 Rate Limit", 429, nil, StatusClass4xx},
		{"503 Service Unavailable", 503, nil, StatusClass5xx},
		{"302 redirect", 302, nil, StatusClassOtherError},
		{"context timeout", 0, errors.New("context deadline exceeded"), StatusClassTimeout},
		{"Timeout uppercase", 0, errors.New("Timeout exceeded"), StatusClassTimeout},
		{"connection refused", 0, errors.New("connection refused"), StatusClassConnectionError},
		{"dial error", 0, errors.New("dial tcp 127.0.0.1:80: connect: refused"), StatusClassConnectionError},
		{"generic error", 0, errors.New("unknown error"), StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
