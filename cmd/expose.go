package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"bridgectl/internal/portforwarding"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var exposeAgentURL string

var exposeCmd = &cobra.Command{
	Use:   "expose REMOTE[:LOCAL]...",
	Short: "Expose local ports inside the cluster through the agent",
	Long: `Asks the in-cluster agent to listen on REMOTE and delivers every connection
it accepts to localhost:LOCAL (LOCAL defaults to REMOTE).

The agent is reached through a port-forward to the configured agent target,
or directly with --agent.

Examples:
  bridgectl expose 8080
  bridgectl expose 9000:3000 --agent ws://localhost:50051/v1/connect`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExpose,
}

// parseReverseSpec parses "REMOTE[:LOCAL]".
func parseReverseSpec(spec string) (portforwarding.PortForwardStartInfo, error) {
	parts := strings.Split(spec, ":")
	if len(parts) > 2 {
		return portforwarding.PortForwardStartInfo{}, fmt.Errorf("invalid port spec %q, expected REMOTE[:LOCAL]", spec)
	}
	remote, err := parsePort(parts[0])
	if err != nil {
		return portforwarding.PortForwardStartInfo{}, fmt.Errorf("invalid port spec %q: %w", spec, err)
	}
	info := portforwarding.PortForwardStartInfo{Port: remote}
	if len(parts) == 2 {
		local, err := parsePort(parts[1])
		if err != nil {
			return portforwarding.PortForwardStartInfo{}, fmt.Errorf("invalid port spec %q: %w", spec, err)
		}
		info.LocalPort = &local
	}
	return info, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return int(p), nil
}

func runExpose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var infos []portforwarding.PortForwardStartInfo
	for _, spec := range args {
		info, err := parseReverseSpec(spec)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var g run.Group
	client, err := connectAgent(ctx, &g, cfg, exposeAgentURL)
	if err != nil {
		return err
	}
	if err := startReverseForwards(ctx, &g, client, infos); err != nil {
		client.Close()
		return err
	}
	if err := addMetricsServer(&g); err != nil {
		client.Close()
		return err
	}
	return runUntilInterrupted(ctx, &g)
}

func startReverseForwards(ctx context.Context, g *run.Group, client portforwarding.AgentClient, infos []portforwarding.PortForwardStartInfo) error {
	for _, info := range infos {
		f := portforwarding.NewReverseForwarder(ctx, borrowedClient{client})
		if err := f.Start(info); err != nil {
			f.Stop()
			return err
		}
		addStopper(g, f.Stop)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(exposeCmd)

	exposeCmd.Flags().StringVar(&exposeAgentURL, "agent", "", "Agent control channel URL (default: port-forward to the configured agent)")
}
