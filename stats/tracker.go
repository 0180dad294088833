// Package stats tracks per-bot session counters for the status line and the
// Prometheus endpoint.
package stats

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mudbot/session"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tracker implements session.Observer. Counters are kept twice: atomics for
// the status line and Prometheus collectors for scraping.
type Tracker struct {
	// counters live in sync.Map + atomic so per-line increments don't fight over a mutex
	lines       sync.Map // bot -> *atomic.Uint64
	frameErrors sync.Map // bot -> *atomic.Uint64
	anomalies   sync.Map // bot -> *atomic.Uint64
	reconnects  sync.Map // bot -> *atomic.Uint64
	states      sync.Map // bot -> *atomic.Int32 holding a session.State
	start       atomic.Int64

	registry         *prometheus.Registry
	sessions         *prometheus.GaugeVec
	linesTotal       *prometheus.CounterVec
	frameErrorsTotal *prometheus.CounterVec
	anomaliesTotal   *prometheus.CounterVec
	reconnectsTotal  *prometheus.CounterVec
}

// NewTracker creates a tracker with its own Prometheus registry.
func NewTracker() *Tracker {
	t := &Tracker{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mudbot_sessions",
			Help: "Bots by session state.",
		}, []string{"state"}),
		linesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudbot_lines_total",
			Help: "Assembled lines received.",
		}, []string{"bot"}),
		frameErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudbot_frame_errors_total",
			Help: "Malformed protocol sequences discarded.",
		}, []string{"bot"}),
		anomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudbot_negotiation_anomalies_total",
			Help: "Negotiation frames ignored as anomalies.",
		}, []string{"bot"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mudbot_reconnects_total",
			Help: "Connection attempts after the first.",
		}, []string{"bot"}),
	}
	t.registry.MustRegister(t.sessions, t.linesTotal, t.frameErrorsTotal, t.anomaliesTotal, t.reconnectsTotal)
	t.start.Store(time.Now().UnixNano())
	return t
}

// Register makes bot visible as disconnected before its first transition.
func (t *Tracker) Register(bot string) {
	if _, loaded := t.states.LoadOrStore(bot, new(atomic.Int32)); !loaded {
		t.sessions.WithLabelValues(session.StateDisconnected.String()).Inc()
	}
}

func (t *Tracker) StateChanged(bot string, _, to session.State) {
	v, loaded := t.states.LoadOrStore(bot, new(atomic.Int32))
	prev := session.State(v.(*atomic.Int32).Swap(int32(to)))
	if loaded {
		t.sessions.WithLabelValues(prev.String()).Dec()
	}
	t.sessions.WithLabelValues(to.String()).Inc()
}

func (t *Tracker) LineReceived(bot string) {
	incrementCounter(&t.lines, bot)
	t.linesTotal.WithLabelValues(bot).Inc()
}

func (t *Tracker) FrameError(bot string) {
	incrementCounter(&t.frameErrors, bot)
	t.frameErrorsTotal.WithLabelValues(bot).Inc()
}

func (t *Tracker) Anomaly(bot string) {
	incrementCounter(&t.anomalies, bot)
	t.anomaliesTotal.WithLabelValues(bot).Inc()
}

// Reconnect records a retry of bot's connection.
func (t *Tracker) Reconnect(bot string) {
	incrementCounter(&t.reconnects, bot)
	t.reconnectsTotal.WithLabelValues(bot).Inc()
}

// BotStats is a point-in-time copy of one bot's counters.
type BotStats struct {
	Bot         string
	State       session.State
	Lines       uint64
	FrameErrors uint64
	Anomalies   uint64
	Reconnects  uint64
}

// Snapshot returns every known bot, sorted by name.
func (t *Tracker) Snapshot() []BotStats {
	var out []BotStats
	t.states.Range(func(key, value any) bool {
		bot := key.(string)
		out = append(out, BotStats{
			Bot:         bot,
			State:       session.State(value.(*atomic.Int32).Load()),
			Lines:       loadCounter(&t.lines, bot),
			FrameErrors: loadCounter(&t.frameErrors, bot),
			Anomalies:   loadCounter(&t.anomalies, bot),
			Reconnects:  loadCounter(&t.reconnects, bot),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Bot < out[j].Bot })
	return out
}

// StatusLine summarizes all bots for the periodic console log.
func (t *Tracker) StatusLine() string {
	snap := t.Snapshot()
	byState := make(map[session.State]int)
	var lines, frameErrors, anomalies, reconnects uint64
	for _, s := range snap {
		byState[s.State]++
		lines += s.Lines
		frameErrors += s.FrameErrors
		anomalies += s.Anomalies
		reconnects += s.Reconnects
	}
	var states []string
	for st := session.StateDisconnected; st <= session.StateClosing; st++ {
		if n := byState[st]; n > 0 {
			states = append(states, fmt.Sprintf("%s=%d", st, n))
		}
	}
	if len(states) == 0 {
		states = append(states, "none")
	}
	return fmt.Sprintf("bots %d (%s) | lines %s | frame errors %s | anomalies %s | reconnects %s | up since %s",
		len(snap), strings.Join(states, " "),
		humanize.Comma(int64(lines)), humanize.Comma(int64(frameErrors)),
		humanize.Comma(int64(anomalies)), humanize.Comma(int64(reconnects)),
		humanize.Time(time.Unix(0, t.start.Load())))
}

// Gatherer exposes the tracker's collectors.
func (t *Tracker) Gatherer() prometheus.Gatherer {
	return t.registry
}

// Handler serves the collectors in the Prometheus text format.
func (t *Tracker) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func incrementCounter(m *sync.Map, key string) {
	if v, ok := m.Load(key); ok {
		v.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, _ := m.LoadOrStore(key, counter)
	actual.(*atomic.Uint64).Add(1)
}

func loadCounter(m *sync.Map, key string) uint64 {
	if v, ok := m.Load(key); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}
