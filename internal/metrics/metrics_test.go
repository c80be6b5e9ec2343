package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDisabledIsNoop(t *testing.T) {
	var nilMetrics *Metrics
	for _, m := range []*Metrics{New(false), nilMetrics} {
		m.RecordSync("caldav", "success", time.Second)
		m.SetSourceEvents(1, "work", 3)
		m.RecordSchedulerRun()

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New(true)
	m.RecordSync("ics_feed", "error", 200*time.Millisecond)
	m.SetSourceEvents(4, "holidays", 12)
	m.SetSourceEvents(5, "holidays", 7)
	m.RecordSchedulerRun()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`calagg_sync_total{kind="ics_feed",result="error"} 1`,
		`calagg_source_events{source="holidays",source_id="4"} 12`,
		`calagg_source_events{source="holidays",source_id="5"} 7`,
		`calagg_scheduler_runs_total 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
