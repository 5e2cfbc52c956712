// Package telemetry exposes the broker's Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_sessions_created_total",
		Help: "Terminal sessions created.",
	})
	SessionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_sessions_closed_total",
		Help: "Terminal sessions that reached a final state.",
	})
	SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webmux_sessions_live",
		Help: "Sessions currently spawning or running.",
	})
	PTYBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_pty_read_bytes_total",
		Help: "Bytes read from PTY masters.",
	})
	PTYBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_pty_written_bytes_total",
		Help: "Bytes written to PTY masters.",
	})
	OutputFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_output_frames_total",
		Help: "terminal_output frames enqueued to clients.",
	})
	PermissionDenials = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_permission_denials_total",
		Help: "Writes, resizes or closes refused by the permission policy.",
	})
	SubscriberDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webmux_subscriber_drops_total",
		Help: "Subscribers dropped for overflowing their outbound queue.",
	})
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webmux_clients_connected",
		Help: "Currently connected websocket clients.",
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
