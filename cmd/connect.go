package cmd

import (
	"context"
	"errors"
	"fmt"

	"bridgectl/internal/config"
	"bridgectl/internal/kube"
	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Start every forward defined in the configuration",
	Long: `Starts the container, reverse and service forwards from the configuration
files and keeps them running until interrupted.

Reverse and service forwards need the in-cluster agent; it is only contacted
when at least one of them is configured.

Configuration:
  bridgectl loads ~/.config/bridgectl/config.yaml, then ./.bridgectl/config.yaml,
  then the file given with --config.`,
	Args: cobra.NoArgs,
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.ContainerForwards)+len(cfg.ReverseForwards)+len(cfg.ServiceForwards) == 0 {
		return errors.New("no forwards configured")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var g run.Group

	if err := startContainerForwards(ctx, &g, cfg, cmd); err != nil {
		return err
	}

	if len(cfg.ReverseForwards) > 0 || len(cfg.ServiceForwards) > 0 {
		client, err := connectAgent(ctx, &g, cfg, "")
		if err != nil {
			return err
		}
		var reverse []portforwarding.PortForwardStartInfo
		for _, d := range cfg.ReverseForwards {
			reverse = append(reverse, d.StartInfo())
		}
		if err := startReverseForwards(ctx, &g, client, reverse); err != nil {
			client.Close()
			return err
		}
		var services []portforwarding.ServicePortForwardStartInfo
		for _, d := range cfg.ServiceForwards {
			info, err := d.StartInfo()
			if err != nil {
				client.Close()
				return err
			}
			services = append(services, info)
		}
		if err := startServiceForwards(ctx, &g, client, services, cmd); err != nil {
			client.Close()
			return err
		}
	}

	if err := addMetricsServer(&g); err != nil {
		return err
	}
	return runUntilInterrupted(ctx, &g)
}

func startContainerForwards(ctx context.Context, g *run.Group, cfg config.BridgeConfig, cmd *cobra.Command) error {
	if len(cfg.ContainerForwards) == 0 {
		return nil
	}
	kc, err := kube.NewClientForContext(cfg.Kube.Kubeconfig, cfg.Kube.Context)
	if err != nil {
		return err
	}
	fwdCtx, cancel := context.WithCancel(ctx)
	for _, d := range cfg.ContainerForwards {
		namespace := d.Namespace
		if namespace == "" {
			namespace = "default"
		}
		pod, err := kc.ResolvePod(ctx, namespace, d.Target)
		if err != nil {
			cancel()
			return fmt.Errorf("container forward %q: %w", d.Name, err)
		}
		forwarder := portforwarding.NewContainerForwarder(kc,
			portforwarding.WithListenAddress(d.Address),
			portforwarding.WithSubProtocol(cfg.Protocol))

		name := d.Name
		fwd := forwarder.StartContainerPortForward(fwdCtx, namespace, pod, d.LocalPort, d.RemotePort,
			func(pp portforwarding.PortPair) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: forwarding from port %d -> %s/%s:%d\n", name, pp.Local, namespace, pod, pp.Remote)
			})
		g.Add(func() error {
			if err := fwd.Wait(); err != nil {
				logging.Error("CLI", err, "Container forward %s stopped", name)
				return err
			}
			return nil
		}, func(error) { cancel() })
	}
	addStopper(g, cancel)
	return nil
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
