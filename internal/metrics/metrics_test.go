package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestTransitionsTotal(t *testing.T) {
	before := testutil.ToFloat64(TransitionsTotal.WithLabelValues("server", "CONFIGURED"))
	TransitionsTotal.WithLabelValues("server", "CONFIGURED").Inc()
	after := testutil.ToFloat64(TransitionsTotal.WithLabelValues("server", "CONFIGURED"))

	assert.Equal(t, before+1, after)
}

func TestTimer_ObserveDuration(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDuration(ReconciliationDuration)

	assert.Equal(t, 1, testutil.CollectAndCount(ReconciliationDuration))
}
