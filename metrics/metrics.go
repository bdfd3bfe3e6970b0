// Package metrics provides Prometheus metrics for the qftp server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives connection and request lifecycle events. A nil Recorder
// is never passed around; use Nop instead.
type Recorder interface {
	ConnectionAccepted()
	ConnectionRejected()
	ConnectionClosed(reason string)
	SetActiveSessions(count int32)
	HandshakeCompleted(d time.Duration, err error)
	RequestHandled(kind string, ok bool, d time.Duration)
	BytesTransferred(in, out uint64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionAccepted()                        {}
func (Nop) ConnectionRejected()                        {}
func (Nop) ConnectionClosed(string)                    {}
func (Nop) SetActiveSessions(int32)                    {}
func (Nop) HandshakeCompleted(time.Duration, error)    {}
func (Nop) RequestHandled(string, bool, time.Duration) {}
func (Nop) BytesTransferred(uint64, uint64)            {}

// Prometheus records into collectors registered on a single registry.
type Prometheus struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsClosed   *prometheus.CounterVec
	activeSessions      prometheus.Gauge
	handshakeDuration   *prometheus.HistogramVec
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	bytesIn             prometheus.Counter
	bytesOut            prometheus.Counter
}

// NewPrometheus registers the qftp collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	factory := promauto.With(reg)
	return &Prometheus{
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "qftp_connections_accepted_total",
			Help: "Connections admitted past the connection limit",
		}),
		connectionsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "qftp_connections_rejected_total",
			Help: "Connections closed immediately because the server was full",
		}),
		connectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qftp_connections_closed_total",
			Help: "Closed sessions by closure reason",
		}, []string{"reason"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "qftp_active_sessions",
			Help: "Sessions currently holding a connection permit",
		}),
		handshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qftp_handshake_duration_seconds",
			Help:    "Time spent in the key exchange",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "qftp_requests_total",
			Help: "Dispatched requests by kind and outcome",
		}, []string{"kind", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qftp_request_duration_seconds",
			Help:    "Request dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		bytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "qftp_wire_bytes_received_total",
			Help: "Framed bytes read from clients",
		}),
		bytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "qftp_wire_bytes_sent_total",
			Help: "Framed bytes written to clients",
		}),
	}
}

func status(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (p *Prometheus) ConnectionAccepted() { p.connectionsAccepted.Inc() }
func (p *Prometheus) ConnectionRejected() { p.connectionsRejected.Inc() }

func (p *Prometheus) ConnectionClosed(reason string) {
	p.connectionsClosed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) SetActiveSessions(count int32) {
	p.activeSessions.Set(float64(count))
}

func (p *Prometheus) HandshakeCompleted(d time.Duration, err error) {
	p.handshakeDuration.WithLabelValues(status(err == nil)).Observe(d.Seconds())
}

func (p *Prometheus) RequestHandled(kind string, ok bool, d time.Duration) {
	p.requestsTotal.WithLabelValues(kind, status(ok)).Inc()
	p.requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (p *Prometheus) BytesTransferred(in, out uint64) {
	p.bytesIn.Add(float64(in))
	p.bytesOut.Add(float64(out))
}
