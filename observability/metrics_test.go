package observability

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fulldecent/compound-oracle/native/oracle"
)

func TestOracleMetricsEmit(t *testing.T) {
	m := Oracle()
	capped := testutil.ToFloat64(m.submissions.WithLabelValues("capped"))
	cancels := testutil.ToFloat64(m.pendingAnchors.WithLabelValues("cancel"))

	m.Emit(oracle.Event{Kind: oracle.EventPriceSet, Status: oracle.StatusCapped, Height: 42})
	m.Emit(oracle.Event{Kind: oracle.EventPendingAnchorSet, NewPrice: uint256.NewInt(0), Height: 43})
	m.Emit(oracle.Event{Kind: oracle.EventPendingAnchorSet, NewPrice: uint256.NewInt(5), Height: 44})

	if got := testutil.ToFloat64(m.submissions.WithLabelValues("capped")); got != capped+1 {
		t.Fatalf("expected capped counter %v, got %v", capped+1, got)
	}
	if got := testutil.ToFloat64(m.pendingAnchors.WithLabelValues("cancel")); got != cancels+1 {
		t.Fatalf("expected cancel counter %v, got %v", cancels+1, got)
	}
	if got := testutil.ToFloat64(m.lastHeight); got != 44 {
		t.Fatalf("expected last height 44, got %v", got)
	}
}

func TestOracleMetricsRejections(t *testing.T) {
	m := Oracle()
	before := testutil.ToFloat64(m.rejections.WithLabelValues("set_prices", "unknown"))
	m.RecordRejection("set_prices", " ")
	if got := testutil.ToFloat64(m.rejections.WithLabelValues("set_prices", "unknown")); got != before+1 {
		t.Fatalf("expected rejection to be counted under unknown reason")
	}
	m.ObserveBatch(3)

	var nilMetrics *OracleMetrics
	nilMetrics.Emit(oracle.Event{})
	nilMetrics.ObserveBatch(1)
}

func TestHTTPMetricsObserve(t *testing.T) {
	m := HTTP()
	before := testutil.ToFloat64(m.requests.WithLabelValues("/v1/prices", "200"))
	m.Observe("/v1/prices", 200, -time.Second)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("/v1/prices", "200")); got != before+1 {
		t.Fatalf("expected request counter to increase")
	}
	m.RecordThrottle("/v1/prices")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("/v1/prices")); got < 1 {
		t.Fatalf("expected throttle to be counted")
	}
}
