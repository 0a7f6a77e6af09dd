package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the refuge server collectors. A nil *Metrics is a no-op.
type Metrics struct {
	commands    *prometheus.CounterVec
	rateLimited *prometheus.CounterVec
	sessions    prometheus.Gauge
	generations *prometheus.CounterVec
	upgrades    *prometheus.CounterVec
	players     prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refuge_commands_total",
			Help: "Refuge commands handled, by command and result.",
		}, []string{"command", "result"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refuge_commands_rate_limited_total",
			Help: "Commands dropped by the per-player rate limit.",
		}, []string{"command"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refuge_teleport_sessions",
			Help: "Enter handshakes currently in flight.",
		}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refuge_generations_total",
			Help: "Completed post-teleport generation passes, by path (full, resweep, timeout).",
		}, []string{"path"}),
		upgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refuge_upgrades_total",
			Help: "Upgrade requests, by upgrade id and result.",
		}, []string{"upgrade", "result"}),
		players: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refuge_connected_players",
			Help: "Players currently connected.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.commands, m.rateLimited, m.sessions, m.generations, m.upgrades, m.players)
	}
	return m
}

func (m *Metrics) Command(name, result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, result).Inc()
}

func (m *Metrics) RateLimited(name string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(name).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) Generation(path string) {
	if m == nil {
		return
	}
	m.generations.WithLabelValues(path).Inc()
}

func (m *Metrics) Upgrade(id, result string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(id, result).Inc()
}

func (m *Metrics) SetPlayers(n int) {
	if m == nil {
		return
	}
	m.players.Set(float64(n))
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
