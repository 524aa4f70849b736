package portforwarding

import (
	"context"
	"fmt"

	"bridgectl/pkg/logging"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
)

// TransportOpener opens a fresh port-forward transport to a pod. The returned
// demuxer has not been started. Handshake failures are reported as
// *TransportError so they can be retried.
type TransportOpener interface {
	OpenPodPortForwardTransport(ctx context.Context, namespace, pod string, ports []int, subProtocol string) (Demuxer, error)
}

// TransportFactory produces a new, unstarted transport each time it is called.
type TransportFactory func(ctx context.Context) (Demuxer, error)

// transportBackoff is a var so tests can shorten the delay.
var transportBackoff = wait.Backoff{
	Steps:    TransportAttempts,
	Duration: TransportRetryDelay,
	Factor:   1.0,
}

// NewTransportFactory returns a factory bound to one pod port. Each call makes up
// to TransportAttempts handshake attempts, TransportRetryDelay apart. Errors that
// are not transport errors are returned immediately.
func NewTransportFactory(opener TransportOpener, namespace, pod string, remotePort int, subProtocol string) TransportFactory {
	podName := logging.PII(pod)
	return func(ctx context.Context) (Demuxer, error) {
		var demux Demuxer
		attempt := 0
		err := retry.OnError(transportBackoff, IsTransportError, func() error {
			attempt++
			if err := ctx.Err(); err != nil {
				return err
			}
			d, err := opener.OpenPodPortForwardTransport(ctx, namespace, pod, []int{remotePort}, subProtocol)
			if err != nil {
				if IsTransportError(err) {
					transportRetries.Inc()
					logging.Debug("TransportFactory", "Attempt %d/%d to open transport to %s port %d failed: %v",
						attempt, TransportAttempts, podName, remotePort, err)
				}
				return err
			}
			demux = d
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open port-forward transport to %s/%s after %d attempt(s): %w",
				namespace, podName, attempt, err)
		}
		return demux, nil
	}
}
