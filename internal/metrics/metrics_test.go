package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/maltedev/price-watch/internal/errclass"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("http", "search", nil, time.Second)
	m.IncRetry("acquire")
	m.SetBlocking(true, 3)
	m.IncWatchCheck(errors.New("x"))
	m.AddItems(4)
	m.IncAlert()
	m.ObserveCycle(time.Minute)
	m.IncRelayed("failed")
}

func TestObserveQueryLabels(t *testing.T) {
	m := New()
	m.ObserveQuery("network", "search", nil, time.Second)
	m.ObserveQuery("network", "search", errclass.Blocked(errclass.ErrBlocked), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("network", "search", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("network", "search", "blocked")))
}

func TestSetBlocking(t *testing.T) {
	m := New()
	m.SetBlocking(true, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Blocked))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConsecutiveFailures))

	m.SetBlocking(false, 0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Blocked))
}
