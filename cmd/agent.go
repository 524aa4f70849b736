package cmd

import (
	"bridgectl/internal/agent"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
)

var (
	agentListen      string
	agentBindAddress string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the in-cluster agent",
	Long: `Runs the agent that bridgectl talks to for reverse and service forwards.
It is meant to run as a pod in the cluster, behind a Service that bridgectl
port-forwards to.

The control channel is served on ` + agent.ConnectPath + `, with /healthz and
/metrics on the same listener.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	reg, err := newRegistry()
	if err != nil {
		return err
	}
	srv := agent.NewServer(agent.WithRegistry(reg), agent.WithBindAddress(agentBindAddress))

	var g run.Group
	if err := addHTTPServer(&g, "agent", agentListen, srv); err != nil {
		return err
	}
	addStopper(&g, srv.Close)
	return runUntilInterrupted(cmd.Context(), &g)
}

func init() {
	rootCmd.AddCommand(agentCmd)

	agentCmd.Flags().StringVar(&agentListen, "listen", ":50051", "Address to serve the control channel on")
	agentCmd.Flags().StringVar(&agentBindAddress, "bind-address", "", "Address reverse forward listeners bind to (default: all interfaces)")
}
