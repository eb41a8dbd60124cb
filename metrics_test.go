package meshcoap

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observeRole(RoleRouter)
	m.observeReset("partition")
	m.observeResolution(nil)
	m.observeResolution(errors.New("nxdomain"))
	m.observeStale()
	m.observeSend(errors.New("not a send error"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Role))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerResets.WithLabelValues("partition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resolutions.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StaleDrops))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sends.WithLabelValues("error")))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeRole(RoleChild)
		m.observeReset("role")
		m.observeResolution(nil)
		m.observeStale()
		m.observeSend(nil)
	})
}

func TestMetrics_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
