package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGCPass(t *testing.T) {
	before := testutil.ToFloat64(gcPasses.WithLabelValues("error"))
	GCPass(2, 1, 5, time.Second, errors.New("boom"))
	if got := testutil.ToFloat64(gcPasses.WithLabelValues("error")); got != before+1 {
		t.Errorf("gc error passes = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(gcWatchedAgents); got != 2 {
		t.Errorf("watched agents = %v, want 2", got)
	}
}

func TestCleanupPass(t *testing.T) {
	before := testutil.ToFloat64(cleanupJobs.WithLabelValues("failed"))
	CleanupPass(1, 3, 4, time.Millisecond, nil)
	if got := testutil.ToFloat64(cleanupJobs.WithLabelValues("failed")); got != before+4 {
		t.Errorf("failed jobs = %v, want %v", got, before+4)
	}
	if got := testutil.ToFloat64(cleanupFlagged); got != 1 {
		t.Errorf("flagged queues = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	Init("test", "memory")
	TapeStateChanged("BROKEN_PENDING")

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{`cta_server_info{backend="memory",version="test"} 1`, `cta_tape_state_changes_total{state="BROKEN_PENDING"}`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
