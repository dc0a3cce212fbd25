package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConnectionMetrics(t *testing.T) {
	ConnectionsTotal.Reset()
	ConnectionsCurrent.Reset()
	ConnectionsRejected.Reset()
	SessionTerminations.Reset()

	tests := []struct {
		name     string
		server   string
		testFunc func(string)
		check    func(t *testing.T, server string)
	}{
		{
			name:     "connections_total_increment",
			server:   "smtpd-policy",
			testFunc: func(s string) { ConnectionsTotal.WithLabelValues(s).Inc() },
			check: func(t *testing.T, s string) {
				if got := testutil.ToFloat64(ConnectionsTotal.WithLabelValues(s)); got != 1 {
					t.Errorf("Expected ConnectionsTotal to be 1, got %f", got)
				}
			},
		},
		{
			name:     "connections_current_set",
			server:   "submission-policy",
			testFunc: func(s string) { ConnectionsCurrent.WithLabelValues(s).Set(5) },
			check: func(t *testing.T, s string) {
				if got := testutil.ToFloat64(ConnectionsCurrent.WithLabelValues(s)); got != 5 {
					t.Errorf("Expected ConnectionsCurrent to be 5, got %f", got)
				}
			},
		},
		{
			name:     "connections_rejected",
			server:   "smtpd-policy",
			testFunc: func(s string) { ConnectionsRejected.WithLabelValues(s).Add(3) },
			check: func(t *testing.T, s string) {
				if got := testutil.ToFloat64(ConnectionsRejected.WithLabelValues(s)); got != 3 {
					t.Errorf("Expected ConnectionsRejected to be 3, got %f", got)
				}
			},
		},
		{
			name:     "session_terminations_by_reason",
			server:   "smtpd-policy",
			testFunc: func(s string) { SessionTerminations.WithLabelValues(s, "protocol_error").Inc() },
			check: func(t *testing.T, s string) {
				if got := testutil.ToFloat64(SessionTerminations.WithLabelValues(s, "protocol_error")); got != 1 {
					t.Errorf("Expected one protocol_error termination, got %f", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.testFunc(tt.server)
			tt.check(t, tt.server)
		})
	}
}

func TestRequestMetrics(t *testing.T) {
	RequestsTotal.Reset()
	RequestDuration.Reset()
	HandlerErrors.Reset()

	for _, verb := range []string{"DUNNO", "DUNNO", "REJECT"} {
		RequestsTotal.WithLabelValues("smtpd-policy", verb).Inc()
		RequestDuration.WithLabelValues("smtpd-policy").Observe(0.002)
	}
	HandlerErrors.WithLabelValues("smtpd-policy").Inc()

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("smtpd-policy", "DUNNO")); got != 2 {
		t.Errorf("Expected 2 DUNNO responses, got %f", got)
	}
	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("smtpd-policy", "REJECT")); got != 1 {
		t.Errorf("Expected 1 REJECT response, got %f", got)
	}
	if got := testutil.CollectAndCount(RequestDuration); got != 1 {
		t.Errorf("Expected one request duration series, got %d", got)
	}
	if got := testutil.ToFloat64(HandlerErrors.WithLabelValues("smtpd-policy")); got != 1 {
		t.Errorf("Expected 1 handler error, got %f", got)
	}
}

func TestDatabaseMetrics(t *testing.T) {
	DBQueriesTotal.Reset()
	DBQueryDuration.Reset()

	DBQueriesTotal.WithLabelValues("find_rule", "success", "sqlite").Inc()
	DBQueriesTotal.WithLabelValues("add_rule", "failure", "postgres").Add(2)
	DBQueryDuration.WithLabelValues("find_rule", "sqlite").Observe(0.001)

	if got := testutil.ToFloat64(DBQueriesTotal.WithLabelValues("find_rule", "success", "sqlite")); got != 1 {
		t.Errorf("Expected find_rule count to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(DBQueriesTotal.WithLabelValues("add_rule", "failure", "postgres")); got != 2 {
		t.Errorf("Expected add_rule failures to be 2, got %f", got)
	}
	if got := testutil.CollectAndCount(DBQueryDuration); got != 1 {
		t.Errorf("Expected one query duration series, got %d", got)
	}
}

func TestDecisionCacheMetrics(t *testing.T) {
	before := testutil.ToFloat64(DecisionCacheHitsTotal)
	DecisionCacheHitsTotal.Inc()
	DecisionCacheMissesTotal.Inc()
	DecisionCacheSharedFetchesTotal.Inc()
	DecisionCacheEntriesTotal.Set(42)

	if got := testutil.ToFloat64(DecisionCacheHitsTotal); got != before+1 {
		t.Errorf("Expected hits to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(DecisionCacheEntriesTotal); got != 42 {
		t.Errorf("Expected 42 entries, got %f", got)
	}
}
