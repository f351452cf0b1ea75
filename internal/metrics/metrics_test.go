package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type fakeView struct {
	current  map[string]int
	err      error
	resetErr error
	resets   int
}

func (f *fakeView) Current() (any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.current, nil
}

func (f *fakeView) Reset(ctx context.Context) error {
	if f.resetErr != nil {
		return f.resetErr
	}
	f.resets++
	f.current = map[string]int{"click_count": 0}
	return nil
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServerHealthAndMetrics(t *testing.T) {
	EventsTotal.WithLabelValues("click", "counted").Inc()
	h := NewServer("127.0.0.1:0", nil, zerolog.Nop()).Handler()

	if rec := do(t, h, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/metrics")
	if !strings.Contains(rec.Body.String(), "kstats_events_total") {
		t.Errorf("expected kstats_events_total in metrics output")
	}

	if rec := do(t, h, http.MethodGet, "/stats"); rec.Code != http.StatusNotFound {
		t.Errorf("expected /stats to be absent without a view, got %d", rec.Code)
	}
}

func TestServerStats(t *testing.T) {
	view := &fakeView{current: map[string]int{"click_count": 5}}
	h := NewServer("127.0.0.1:0", view, zerolog.Nop()).Handler()

	rec := do(t, h, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["click_count"] != 5 {
		t.Errorf("expected click_count 5, got %d", body["click_count"])
	}

	if rec := do(t, h, http.MethodGet, "/stats/reset"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected reset to require POST, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/stats/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from reset, got %d", rec.Code)
	}
	if view.resets != 1 {
		t.Errorf("expected one reset, got %d", view.resets)
	}
}

func TestServerStatsErrors(t *testing.T) {
	view := &fakeView{err: errors.New("engine not running")}
	h := NewServer("127.0.0.1:0", view, zerolog.Nop()).Handler()

	if rec := do(t, h, http.MethodGet, "/stats"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when stats are unavailable, got %d", rec.Code)
	}

	view.err = nil
	view.resetErr = errors.New("backend down")
	rec := do(t, h, http.MethodPost, "/stats/reset")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from failed reset, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "backend down") {
		t.Errorf("expected error in body, got %s", rec.Body.String())
	}
}
