package portforwarding

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bridgectl"

var (
	forwardedBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "portforward",
		Name:      "bytes_total",
		Help:      "Bytes copied by forwarding pumps, by forward kind and direction.",
	}, []string{"kind", "direction"})

	activePumps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "portforward",
		Name:      "active_streams",
		Help:      "Streams currently being pumped, by forward kind.",
	}, []string{"kind"})

	remoteReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "portforward",
		Name:      "remote_reconnects_total",
		Help:      "Transports recreated after closing immediately on open.",
	})

	transportRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "portforward",
		Name:      "transport_retries_total",
		Help:      "Failed port-forward transport handshakes.",
	})
)

const (
	kindContainer = "container"
	kindReverse   = "reverse"
	kindService   = "service"

	directionUpstream   = "local_to_remote"
	directionDownstream = "remote_to_local"
)

// RegisterMetrics registers the forwarding collectors with reg. Registering the
// same registry twice returns an AlreadyRegisteredError.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{forwardedBytes, activePumps, remoteReconnects, transportRetries} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
