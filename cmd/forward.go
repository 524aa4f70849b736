package cmd

import (
	"context"
	"fmt"

	"bridgectl/internal/kube"
	"bridgectl/internal/portforwarding"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	forwardNamespace string
	forwardAddress   string
	forwardProtocol  string
)

var forwardCmd = &cobra.Command{
	Use:   "forward TYPE/NAME [LOCAL:]REMOTE...",
	Short: "Forward local ports to a pod",
	Long: `Forwards one or more local ports to a pod, like kubectl port-forward.

TYPE/NAME is pod/NAME, service/NAME (a ready pod backing the service is picked)
or a bare pod name. Each local connection gets its own stream; broken streams
are reopened and transient connection errors are retried.

Examples:
  bridgectl forward pod/web-0 8080:80
  bridgectl forward service/postgres 5432 -n db
  bridgectl forward web-0 0:8080 --protocol portforward.k8s.io`,
	Args: cobra.MinimumNArgs(2),
	RunE: runForward,
}

func runForward(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var mappings []portforwarding.PortPair
	for _, spec := range args[1:] {
		local, remote, err := kube.ParsePortMapping(spec)
		if err != nil {
			return err
		}
		mappings = append(mappings, portforwarding.PortPair{Local: local, Remote: remote})
	}

	protocol := cfg.Protocol
	if forwardProtocol != "" {
		protocol = forwardProtocol
	}

	kc, err := kube.NewClientForContext(cfg.Kube.Kubeconfig, cfg.Kube.Context)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	pod, err := kc.ResolvePod(ctx, forwardNamespace, args[0])
	if err != nil {
		return err
	}

	forwarder := portforwarding.NewContainerForwarder(kc,
		portforwarding.WithListenAddress(forwardAddress),
		portforwarding.WithSubProtocol(protocol))

	var g run.Group
	for _, m := range mappings {
		fwd := forwarder.StartContainerPortForward(ctx, forwardNamespace, pod, m.Local, m.Remote,
			func(pp portforwarding.PortPair) {
				fmt.Fprintf(cmd.OutOrStdout(), "Forwarding from %s:%d -> %d\n", forwardAddress, pp.Local, pp.Remote)
			})
		g.Add(fwd.Wait, func(error) { cancel() })
	}
	if err := addMetricsServer(&g); err != nil {
		return err
	}
	return runUntilInterrupted(ctx, &g)
}

func init() {
	rootCmd.AddCommand(forwardCmd)

	forwardCmd.Flags().StringVarP(&forwardNamespace, "namespace", "n", "default", "Namespace of the target")
	forwardCmd.Flags().StringVar(&forwardAddress, "address", "127.0.0.1", "Local address to listen on")
	forwardCmd.Flags().StringVar(&forwardProtocol, "protocol", "", "Port-forward protocol: v4.channel.k8s.io or portforward.k8s.io (default from config)")
}
