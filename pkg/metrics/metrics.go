// Package metrics exposes Raft node health as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the named gauges and counters a Node reports. It owns
// a private registry rather than using prometheus.DefaultRegisterer so
// more than one Node can exist in the same process (simulation tests
// run several).
type Collector struct {
	registry *prometheus.Registry

	CurrentTerm atomicGauge
	CommitIndex atomicGauge
	LastApplied atomicGauge
	LogSize     atomicGauge

	VoteRequestsTotal   prometheus.Counter
	AppendRequestsTotal prometheus.Counter
	CommandsTotal       prometheus.Counter
	ElectionsTotal      prometheus.Counter
}

// atomicGauge is a thin wrapper so callers can just call .Set without
// importing prometheus themselves.
type atomicGauge struct {
	g prometheus.Gauge
}

func (a atomicGauge) Set(v float64) { a.g.Set(v) }

// New creates and registers every metric named in the status/metrics
// contract, prefixed "raft_".
func New() *Collector {
	registry := prometheus.NewRegistry()

	currentTerm := prometheus.NewGauge(prometheus.GaugeOpts{Name: "raft_current_term", Help: "Current Raft term."})
	commitIndex := prometheus.NewGauge(prometheus.GaugeOpts{Name: "raft_commit_index", Help: "Highest log index known to be committed."})
	lastApplied := prometheus.NewGauge(prometheus.GaugeOpts{Name: "raft_last_applied", Help: "Highest log index applied to the state machine."})
	logSize := prometheus.NewGauge(prometheus.GaugeOpts{Name: "raft_log_size", Help: "Number of entries currently held in the in-memory log."})

	voteRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "raft_vote_requests_total", Help: "Total RequestVote RPCs handled."})
	appendRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "raft_append_requests_total", Help: "Total AppendEntries RPCs handled."})
	commandsTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "raft_commands_total", Help: "Total client commands applied to the state machine."})
	electionsTotal := prometheus.NewCounter(prometheus.CounterOpts{Name: "raft_elections_total", Help: "Total elections started by this node."})

	registry.MustRegister(currentTerm, commitIndex, lastApplied, logSize,
		voteRequestsTotal, appendRequestsTotal, commandsTotal, electionsTotal)

	return &Collector{
		registry:            registry,
		CurrentTerm:         atomicGauge{currentTerm},
		CommitIndex:         atomicGauge{commitIndex},
		LastApplied:         atomicGauge{lastApplied},
		LogSize:             atomicGauge{logSize},
		VoteRequestsTotal:   voteRequestsTotal,
		AppendRequestsTotal: appendRequestsTotal,
		CommandsTotal:       commandsTotal,
		ElectionsTotal:      electionsTotal,
	}
}

// Handler returns the HTTP handler that serves this collector's metrics
// in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
