package middleware

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMiddlewareMetrics_Singleton(t *testing.T) {
	t.Parallel()

	m := GetMiddlewareMetrics()
	assert.Same(t, m, GetMiddlewareMetrics())

	before := testutil.ToFloat64(m.panicsRecovered)
	m.panicsRecovered.Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.panicsRecovered), before+1)
}
