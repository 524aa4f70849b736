package cmd

import (
	"context"
	"fmt"
	"os"

	"bridgectl/internal/config"
	"bridgectl/pkg/logging"

	"github.com/spf13/cobra"
)

var (
	rootDebug          bool
	rootLogFormat      string
	rootRedactPII      bool
	rootConfigFile     string
	rootKubeconfig     string
	rootContext        string
	rootMetricsAddress string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Bridge local ports and Kubernetes workloads",
	Long: `bridgectl connects your local machine to a Kubernetes cluster.

It forwards local ports to pods (like kubectl port-forward, but reconnecting
and multiplexed), exposes local ports inside the cluster through an in-cluster
agent, and forwards local ports to cluster services via the same agent.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid arguments, failed connections)
	SilenceUsage:      true,
	PersistentPreRunE: initLogging,
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "bridgectl version %s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// Cobra prints the error, we just exit non-zero
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if rootDebug {
		level = logging.LevelDebug
	}
	format := logging.Format(rootLogFormat)
	switch format {
	case logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("unsupported log format %q, use text or json", rootLogFormat)
	}
	logging.Init(level, cmd.ErrOrStderr(), format)
	logging.SetRedactPII(rootRedactPII)
	return nil
}

// loadConfig loads the layered configuration and applies the global flags on top.
func loadConfig() (config.BridgeConfig, error) {
	cfg, err := config.LoadConfig(rootConfigFile)
	if err != nil {
		return config.BridgeConfig{}, err
	}
	if rootKubeconfig != "" {
		cfg.Kube.Kubeconfig = rootKubeconfig
	}
	if rootContext != "" {
		cfg.Kube.Context = rootContext
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&rootDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", string(logging.FormatText), "Log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&rootRedactPII, "redact", false, "Redact pod and service names in logs")
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "Config file layered over ~/.config/bridgectl/config.yaml and ./.bridgectl/config.yaml")
	rootCmd.PersistentFlags().StringVar(&rootKubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	rootCmd.PersistentFlags().StringVar(&rootContext, "context", "", "Kubeconfig context to use")
	rootCmd.PersistentFlags().StringVar(&rootMetricsAddress, "metrics-address", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(newVersionCmd())
}
