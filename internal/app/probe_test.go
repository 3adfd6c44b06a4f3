package app

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/Sternrassler/datasync-ingestor/internal/testutil"
)

func TestProbe(t *testing.T) {
	api := testutil.NewMockAPI()
	defer api.Close()

	e := testutil.NewEvents(0, 3)
	expiring := base64.StdEncoding.EncodeToString([]byte(`{"id":"p2","exp":1800000000000}`))
	api.Enqueue(testutil.PathEvents,
		testutil.Page(e[0:1], "c1", true),
		testutil.Page(e[0:3], "c1", true),
		testutil.Page(e[0:2], "c1", true),
		testutil.Page(e[1:3], expiring, true),
	)

	c, err := NewClient(testConfig(t, api), nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	report, err := Probe(context.Background(), c, []int{1, 5})
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if len(report.Limits) != 2 {
		t.Fatalf("Limits = %d, want 2", len(report.Limits))
	}
	if report.Limits[0].Served != 1 || report.Limits[0].Capped() {
		t.Errorf("limit 1 = %+v, want 1 served and not capped", report.Limits[0])
	}
	if report.Limits[1].Served != 3 || !report.Limits[1].Capped() {
		t.Errorf("limit 5 = %+v, want 3 served and capped", report.Limits[1])
	}

	reqs := api.RequestsTo(testutil.PathEvents)
	if len(reqs) != 4 {
		t.Fatalf("requests = %d, want 4", len(reqs))
	}
	if reqs[0].Limit != "1" || reqs[1].Limit != "5" {
		t.Errorf("probe limits = %s,%s, want 1,5", reqs[0].Limit, reqs[1].Limit)
	}
	if reqs[3].Cursor != "c1" {
		t.Errorf("second walked page cursor = %q, want c1", reqs[3].Cursor)
	}

	if report.Pages != 2 || report.Events != 4 {
		t.Errorf("walk = %d pages / %d events, want 2 / 4", report.Pages, report.Events)
	}
	if report.Overlap != 1 {
		t.Errorf("Overlap = %d, want 1", report.Overlap)
	}
	if !report.Ordered {
		t.Error("events are ordered by timestamp")
	}
	if !report.Structured {
		t.Error("final cursor should be recognised as structured")
	}
	if !report.Expiry.Equal(time.UnixMilli(1800000000000)) {
		t.Errorf("Expiry = %s", report.Expiry)
	}
}
