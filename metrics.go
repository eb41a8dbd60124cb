package meshcoap

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes session counters. A nil *Metrics records nothing.
type Metrics struct {
	Sends       *prometheus.CounterVec
	Resolutions *prometheus.CounterVec
	PeerResets  *prometheus.CounterVec
	Role        prometheus.Gauge
	StaleDrops  prometheus.Counter
}

// NewMetrics creates the session metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshcoap",
				Name:      "sends_total",
				Help:      "CoAP requests by result (ok, NoPeer, AllocationFailed, PayloadTooLarge, TransportError)",
			},
			[]string{"result"},
		),
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshcoap",
				Name:      "resolutions_total",
				Help:      "Peer address resolutions by result (ok, failed)",
			},
			[]string{"result"},
		),
		PeerResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "meshcoap",
				Name:      "peer_resets_total",
				Help:      "Peer address invalidations by reason (role, partition)",
			},
			[]string{"reason"},
		),
		Role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshcoap",
			Name:      "network_role",
			Help:      "Current mesh role (0=disabled, 1=detached, 2=child, 3=router, 4=leader)",
		}),
		StaleDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshcoap",
			Name:      "stale_resolutions_total",
			Help:      "Resolution results discarded because the peer was reset after they were issued",
		}),
	}
	reg.MustRegister(m.Sends, m.Resolutions, m.PeerResets, m.Role, m.StaleDrops)
	return m
}

func (m *Metrics) observeSend(err error) {
	if m == nil {
		return
	}
	result := "ok"
	var se *SendError
	if errors.As(err, &se) {
		result = se.Kind.String()
	} else if err != nil {
		result = "error"
	}
	m.Sends.WithLabelValues(result).Inc()
}

func (m *Metrics) observeResolution(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Resolutions.WithLabelValues("failed").Inc()
		return
	}
	m.Resolutions.WithLabelValues("ok").Inc()
}

func (m *Metrics) observeReset(reason string) {
	if m == nil {
		return
	}
	m.PeerResets.WithLabelValues(reason).Inc()
}

func (m *Metrics) observeRole(r NetworkRole) {
	if m == nil {
		return
	}
	m.Role.Set(float64(r))
}

func (m *Metrics) observeStale() {
	if m == nil {
		return
	}
	m.StaleDrops.Inc()
}
