package api

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// metricsNamespace prefixes every exported series.
const metricsNamespace = "xmvbridge"

// metrics owns a per-server registry so tests can build many servers
// without colliding on the global default registry.
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newMetrics(ctrl ChannelController, mq MQTTStatus, hub *Hub) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route, method and status.",
			},
			[]string{"route", "method", "status"},
		),
	}

	m.registry.MustRegister(
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.registry.MustRegister(deviceCollectors(ctrl)...)
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		},
		func() float64 { return float64(hub.ClientCount()) },
	))
	if mq != nil {
		m.registry.MustRegister(mqttCollectors(mq)...)
	}

	return m
}

// deviceCollectors exposes xmv.ClientStats. Values are read at scrape time.
func deviceCollectors(ctrl ChannelController) []prometheus.Collector {
	gauge := func(name, help string, value func(xmv.ClientStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: metricsNamespace, Subsystem: "device", Name: name, Help: help},
			func() float64 { return value(ctrl.Stats()) },
		)
	}
	counter := func(name, help string, value func(xmv.ClientStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: "device", Name: name, Help: help},
			func() float64 { return float64(value(ctrl.Stats())) },
		)
	}

	return []prometheus.Collector{
		gauge("connection_state",
			"Connection state: 0 disconnected, 1 connecting, 2 connected, 3 reconnecting.",
			func(s xmv.ClientStats) float64 { return float64(s.State) }),
		gauge("connected", "1 when the device link is up.",
			func(s xmv.ClientStats) float64 { return boolFloat(s.State == xmv.Connected) }),
		gauge("pending_commands", "Commands awaiting acknowledgement.",
			func(s xmv.ClientStats) float64 { return float64(s.PendingCommands) }),
		counter("reconnects_total", "Transitions into the reconnecting state.",
			func(s xmv.ClientStats) uint64 { return s.Reconnects }),
		counter("frames_received_total", "Lines received from the device.",
			func(s xmv.ClientStats) uint64 { return s.FramesRx }),
		counter("frames_sent_total", "Lines written to the device.",
			func(s xmv.ClientStats) uint64 { return s.FramesTx }),
		counter("parse_errors_total", "Received lines that could not be parsed.",
			func(s xmv.ClientStats) uint64 { return s.ParseErrors }),
		counter("errors_total", "ERROR replies from the device.",
			func(s xmv.ClientStats) uint64 { return s.DeviceErrors }),
		counter("stale_detections_total", "Links declared stale by the keep-alive monitor.",
			func(s xmv.ClientStats) uint64 { return s.StaleDetections }),
		counter("commands_total", "Commands issued.",
			func(s xmv.ClientStats) uint64 { return s.CommandsTotal }),
		counter("commands_failed_total", "Commands that timed out or were rejected.",
			func(s xmv.ClientStats) uint64 { return s.CommandsFailed }),
	}
}

func mqttCollectors(mq MQTTStatus) []prometheus.Collector {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: metricsNamespace, Subsystem: "mqtt", Name: name, Help: help}
	}
	return []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts("connected", "1 when the broker session is up.")),
			func() float64 { return boolFloat(mq.Stats().Connected) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("messages_published_total", "Messages published.")),
			func() float64 { return float64(mq.Stats().MessagesPublished) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("messages_received_total", "Messages delivered to handlers.")),
			func() float64 { return float64(mq.Stats().MessagesReceived) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts(opts("reconnects_total", "Broker reconnect attempts.")),
			func() float64 { return float64(mq.Stats().Reconnects) }),
	}
}

func (m *metrics) observeRequest(route, method string, status int) {
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
