package cmd

import (
	"context"
	"fmt"
	"net"
	"strings"

	"bridgectl/internal/config"
	"bridgectl/internal/portforwarding"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	serviceForwardAgentURL string
	serviceForwardIP       string
)

var serviceForwardCmd = &cobra.Command{
	Use:   "service-forward DNS:PORT[:LOCAL]...",
	Short: "Forward local ports to cluster services through the agent",
	Long: `Listens on LOCAL (default PORT) and carries every connection through the
in-cluster agent to DNS:PORT as resolved inside the cluster.

Examples:
  bridgectl service-forward postgres.db.svc.cluster.local:5432
  bridgectl service-forward redis.cache:6379:16379 --ip 127.0.0.1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServiceForward,
}

// parseServiceSpec parses "DNS:PORT[:LOCAL]".
func parseServiceSpec(spec string, ip net.IP) (portforwarding.ServicePortForwardStartInfo, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return portforwarding.ServicePortForwardStartInfo{}, fmt.Errorf("invalid service spec %q, expected DNS:PORT[:LOCAL]", spec)
	}
	port, err := parsePort(parts[1])
	if err != nil {
		return portforwarding.ServicePortForwardStartInfo{}, fmt.Errorf("invalid service spec %q: %w", spec, err)
	}
	info := portforwarding.ServicePortForwardStartInfo{ServiceDNS: parts[0], ServicePort: port, IP: ip}
	if len(parts) == 3 {
		local, err := parsePort(parts[2])
		if err != nil {
			return portforwarding.ServicePortForwardStartInfo{}, fmt.Errorf("invalid service spec %q: %w", spec, err)
		}
		info.LocalPort = &local
	}
	return info, nil
}

func runServiceForward(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var ip net.IP
	if serviceForwardIP != "" {
		if ip, err = config.ParseListenIP(serviceForwardIP); err != nil {
			return err
		}
	}
	var infos []portforwarding.ServicePortForwardStartInfo
	for _, spec := range args {
		info, err := parseServiceSpec(spec, ip)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var g run.Group
	client, err := connectAgent(ctx, &g, cfg, serviceForwardAgentURL)
	if err != nil {
		return err
	}
	if err := startServiceForwards(ctx, &g, client, infos, cmd); err != nil {
		client.Close()
		return err
	}
	if err := addMetricsServer(&g); err != nil {
		client.Close()
		return err
	}
	return runUntilInterrupted(ctx, &g)
}

func startServiceForwards(ctx context.Context, g *run.Group, client portforwarding.AgentClient, infos []portforwarding.ServicePortForwardStartInfo, cmd *cobra.Command) error {
	if len(infos) == 0 {
		return nil
	}
	f := portforwarding.NewServiceForwarder(ctx, borrowedClient{client})
	for _, info := range infos {
		if err := f.Start(info); err != nil {
			f.Stop()
			return err
		}
		addrs := f.Addrs()
		fmt.Fprintf(cmd.OutOrStdout(), "Forwarding from %s -> %s:%d\n", addrs[len(addrs)-1], info.ServiceDNS, info.ServicePort)
	}
	addStopper(g, f.Stop)
	return nil
}

func init() {
	rootCmd.AddCommand(serviceForwardCmd)

	serviceForwardCmd.Flags().StringVar(&serviceForwardAgentURL, "agent", "", "Agent control channel URL (default: port-forward to the configured agent)")
	serviceForwardCmd.Flags().StringVar(&serviceForwardIP, "ip", "", "Local IP to listen on (default: all interfaces)")
}
