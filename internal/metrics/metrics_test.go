package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Enqueued.WithLabelValues("Registration").Inc()
	m.Malformed.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Enqueued.WithLabelValues("Registration")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Malformed))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["healthq_jobs_enqueued_total"])
	assert.True(t, names["healthq_jobs_malformed_total"])
}

func TestNew_IndependentHandles(t *testing.T) {
	a := NewNop()
	b := NewNop()
	a.Malformed.Inc()
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Malformed))
}
