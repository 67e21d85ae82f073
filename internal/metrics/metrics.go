// Package metrics exposes gofastkv's process-wide operation counters
// through Prometheus, grounded on distribution-distribution's
// metrics/prometheus.go + registry/proxy/proxymetrics.go: a docker/go-metrics
// Namespace registered into the default Prometheus registry, served over
// HTTP by promhttp.
package metrics

import (
	"net/http"

	"github.com/docker/go-metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
)

const namespacePrefix = "gofastkv"

var (
	serverNamespace = metrics.NewNamespace(namespacePrefix, "server", nil)

	commandsTotal    = serverNamespace.NewLabeledCounter("commands_total", "Total commands dispatched, by verb", "verb")
	connectionsTotal = serverNamespace.NewCounter("connections_total", "Total accepted connections")
	bytesReadTotal   = serverNamespace.NewCounter("bytes_read_total", "Total bytes read from client sockets")
	bytesWritten     = serverNamespace.NewCounter("bytes_written_total", "Total bytes written to client sockets")
	resizeUnits      = serverNamespace.NewCounter("resize_units_total", "Total chain nodes relocated by progressive keyspace resize")
	keyspaceKeys     = serverNamespace.NewGauge("keyspace_keys", "Current number of live keys", metrics.Total)
)

func init() {
	metrics.Register(serverNamespace)
}

// Recorder is the live handle the event loop and dispatcher publish into.
// Everything here is either a Prometheus counter (safe for concurrent use
// by construction) or a go.uber.org/atomic value, since the metrics HTTP
// listener reads these from outside the single event-loop goroutine.
type Recorder struct {
	connections atomic.Uint64
	bytesRead   atomic.Uint64
	bytesWrite  atomic.Uint64
	resizeWork  atomic.Uint64
}

// NewRecorder returns a Recorder ready to publish into the package-level
// Prometheus namespace.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// CommandReceived records one dispatched command by its upper-cased verb.
func (r *Recorder) CommandReceived(verb string) {
	commandsTotal.WithValues(verb).Inc()
}

// ConnectionAccepted records one accepted connection.
func (r *Recorder) ConnectionAccepted() {
	r.connections.Inc()
	connectionsTotal.Inc()
}

// BytesRead records n bytes read from a client socket.
func (r *Recorder) BytesRead(n int) {
	r.bytesRead.Add(uint64(n))
	bytesReadTotal.Add(float64(n))
}

// BytesWritten records n bytes written to a client socket.
func (r *Recorder) BytesWritten(n int) {
	r.bytesWrite.Add(uint64(n))
	bytesWritten.Add(float64(n))
}

// ResizeUnitsMoved records n chain nodes relocated by one helpResize call.
func (r *Recorder) ResizeUnitsMoved(n int) {
	r.resizeWork.Add(uint64(n))
	resizeUnits.Add(float64(n))
}

// SetKeyCount publishes the current live key count, polled by the event
// loop's liveness tick rather than on every command.
func (r *Recorder) SetKeyCount(n int) {
	keyspaceKeys.Set(float64(n))
}

// Handler returns the HTTP handler the metrics listener serves under
// /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
