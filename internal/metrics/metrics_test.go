package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestHelpersInitializeOnDemand records through the helpers without an
// explicit Init; the first call must register the collectors itself.
func TestHelpersInitializeOnDemand(t *testing.T) {
	IncLiveCrawls()
	IncLiveCrawls()
	DecLiveCrawls()
	if val := testutil.ToFloat64(liveCrawls); val != 1 {
		t.Errorf("Expected liveCrawls to be 1, got %f", val)
	}

	ObserveCrawl("page_mirror", "success", 42*time.Second, 1024)
	if val := testutil.ToFloat64(crawlsTotal.WithLabelValues("page_mirror", "success")); val != 1 {
		t.Errorf("Expected crawlsTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(mirrorBytesTotal.WithLabelValues("page_mirror")); val != 1024 {
		t.Errorf("Expected mirrorBytesTotal to be 1024, got %f", val)
	}

	ObserveEngineFault()
	if val := testutil.ToFloat64(engineFaultsTotal); val != 1 {
		t.Errorf("Expected engineFaultsTotal to be 1, got %f", val)
	}
}

func TestInitIdempotent(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlsTotal == nil || liveCrawls == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}
