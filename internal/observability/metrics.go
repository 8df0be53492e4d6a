package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	beaconsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "discovery",
			Name:      "beacons_sent_total",
			Help:      "Hello beacons broadcast to the discovery group.",
		},
	)
	beaconsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "discovery",
			Name:      "beacons_received_total",
			Help:      "Discovery datagrams received, by message kind.",
		},
		[]string{"kind"},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "protocol",
			Name:      "decode_errors_total",
			Help:      "Frames rejected by the codec, by transport.",
		},
		[]string{"transport"},
	)
	peersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerctl",
			Subsystem: "discovery",
			Name:      "peers_live",
			Help:      "Peers currently present in the registry.",
		},
	)
	peersLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "discovery",
			Name:      "peers_lost_total",
			Help:      "Peers evicted after TTL expiry.",
		},
	)
	channelsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerctl",
			Subsystem: "channel",
			Name:      "open_channels",
			Help:      "Command channels currently connected.",
		},
	)
	commandsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peerctl",
			Subsystem: "channel",
			Name:      "commands_inflight",
			Help:      "Command requests awaiting a correlated response.",
		},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerctl",
			Subsystem: "channel",
			Name:      "command_duration_seconds",
			Help:      "Round-trip duration of command requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	commandsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "listener",
			Name:      "commands_served_total",
			Help:      "Command requests executed for remote peers.",
		},
		[]string{"mode", "success"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peerctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peerctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			beaconsSent, beaconsReceived, decodeErrors,
			peersLive, peersLost,
			channelsOpen, commandsInflight, commandDuration, commandsServed,
			httpRequests, httpDuration,
		)
	})
}

func RecordBeaconSent() {
	RegisterMetrics()
	beaconsSent.Inc()
}

func RecordBeaconReceived(kind string) {
	RegisterMetrics()
	beaconsReceived.WithLabelValues(kind).Inc()
}

func RecordDecodeError(transport string) {
	RegisterMetrics()
	decodeErrors.WithLabelValues(transport).Inc()
}

func SetPeersLive(n int) {
	RegisterMetrics()
	peersLive.Set(float64(n))
}

func RecordPeerLost() {
	RegisterMetrics()
	peersLost.Inc()
}

func SetOpenChannels(n int) {
	RegisterMetrics()
	channelsOpen.Set(float64(n))
}

func CommandStarted() {
	RegisterMetrics()
	commandsInflight.Inc()
}

func CommandFinished(outcome string, duration time.Duration) {
	RegisterMetrics()
	commandsInflight.Dec()
	commandDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordCommandServed(mode string, success bool) {
	RegisterMetrics()
	commandsServed.WithLabelValues(mode, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}
