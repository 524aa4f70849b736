package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"bridgectl/internal/config"
	"bridgectl/internal/portforwarding"

	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetVersion(t *testing.T) {
	testVersion := "1.2.3-test"
	SetVersion(testVersion)

	if rootCmd.Version != testVersion {
		t.Errorf("Expected version to be %s, got %s", testVersion, rootCmd.Version)
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "bridgectl" {
		t.Errorf("Expected Use to be 'bridgectl', got %s", rootCmd.Use)
	}
	if rootCmd.Short == "" {
		t.Error("Expected Short description to be set")
	}
	if rootCmd.Long == "" {
		t.Error("Expected Long description to be set")
	}
	if !rootCmd.SilenceUsage {
		t.Error("Expected SilenceUsage to be true")
	}
}

func TestVersionTemplate(t *testing.T) {
	testCmd := &cobra.Command{
		Use:     "test",
		Version: "1.0.0",
	}
	testCmd.SetVersionTemplate(`{{printf "bridgectl version %s\n" .Version}}`)

	var buf bytes.Buffer
	testCmd.SetOut(&buf)
	testCmd.SetArgs([]string{"--version"})
	require.NoError(t, testCmd.Execute())
	assert.Equal(t, "bridgectl version 1.0.0\n", buf.String())
}

func TestVersionCommand(t *testing.T) {
	SetVersion("0.4.0")
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.Run(cmd, nil)
	assert.Equal(t, "bridgectl version 0.4.0\n", buf.String())
}

func TestSubcommands(t *testing.T) {
	foundCommands := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		foundCommands[cmd.Name()] = true
	}

	for _, expected := range []string{"version", "forward", "expose", "service-forward", "connect", "agent"} {
		if !foundCommands[expected] {
			t.Errorf("Expected subcommand %s to be registered", expected)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	for _, name := range []string{"debug", "log-format", "redact", "config", "kubeconfig", "context", "metrics-address"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestInitLogging_RejectsUnknownFormat(t *testing.T) {
	original := rootLogFormat
	defer func() { rootLogFormat = original }()

	cmd := &cobra.Command{}
	cmd.SetErr(&bytes.Buffer{})

	rootLogFormat = "xml"
	err := initLogging(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported log format")

	rootLogFormat = "json"
	assert.NoError(t, initLogging(cmd, nil))
}

func TestParseReverseSpec(t *testing.T) {
	tests := []struct {
		spec      string
		wantPort  int
		wantLocal int
		wantErr   bool
	}{
		{spec: "8080", wantPort: 8080, wantLocal: 8080},
		{spec: "9000:3000", wantPort: 9000, wantLocal: 3000},
		{spec: "0", wantErr: true},
		{spec: "9000:0", wantErr: true},
		{spec: "web", wantErr: true},
		{spec: "1:2:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			info, err := parseReverseSpec(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPort, info.Port)
			assert.Equal(t, tt.wantLocal, info.LocalPortOrDefault())
		})
	}
}

func TestParseServiceSpec(t *testing.T) {
	ip := net.ParseIP("127.0.0.1")
	tests := []struct {
		spec      string
		wantDNS   string
		wantPort  int
		wantLocal int
		wantErr   bool
	}{
		{spec: "postgres.db.svc.cluster.local:5432", wantDNS: "postgres.db.svc.cluster.local", wantPort: 5432, wantLocal: 5432},
		{spec: "redis.cache:6379:16379", wantDNS: "redis.cache", wantPort: 6379, wantLocal: 16379},
		{spec: "redis.cache", wantErr: true},
		{spec: ":6379", wantErr: true},
		{spec: "redis:abc", wantErr: true},
		{spec: "redis:6379:x", wantErr: true},
		{spec: "a:1:2:3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			info, err := parseServiceSpec(tt.spec, ip)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDNS, info.ServiceDNS)
			assert.Equal(t, tt.wantPort, info.ServicePort)
			assert.Equal(t, tt.wantLocal, info.LocalPortOrDefault())
			assert.Equal(t, "127.0.0.1", info.ListenAddress())
		})
	}
}

func TestRunUntilInterrupted_ActorErrorIsReturned(t *testing.T) {
	var g run.Group
	stopped := false
	addStopper(&g, func() { stopped = true })
	g.Add(func() error { return errors.New("forward failed") }, func(error) {})

	err := runUntilInterrupted(context.Background(), &g)
	require.Error(t, err)
	assert.Equal(t, "forward failed", err.Error())
	assert.True(t, stopped)
}

func TestRunUntilInterrupted_CancelIsClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	addStopper(&g, func() {})
	cancel()

	assert.NoError(t, runUntilInterrupted(ctx, &g))
}

func TestStartContainerForwards_NoneConfigured(t *testing.T) {
	var g run.Group
	require.NoError(t, startContainerForwards(context.Background(), &g, config.BridgeConfig{}, &cobra.Command{}))
	assert.NoError(t, g.Run())
}

// countingAgentClient holds registrations open until cancelled and counts Close
// calls. Other methods are not used by these tests.
type countingAgentClient struct {
	portforwarding.AgentClient
	closes atomic.Int32
}

func (c *countingAgentClient) ReversePortForwardStart(ctx context.Context, info portforwarding.PortForwardStartInfo, h portforwarding.StreamHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingAgentClient) Close() error {
	c.closes.Add(1)
	return nil
}

func TestForwarders_DoNotCloseSharedClient(t *testing.T) {
	client := &countingAgentClient{}
	ctx := context.Background()
	var g run.Group

	require.NoError(t, startReverseForwards(ctx, &g, client, []portforwarding.PortForwardStartInfo{{Port: 8080}, {Port: 8081}}))

	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	localPort := 0
	require.NoError(t, startServiceForwards(ctx, &g, client, []portforwarding.ServicePortForwardStartInfo{{
		ServiceDNS:  "redis.cache",
		ServicePort: 6379,
		LocalPort:   &localPort,
		IP:          net.ParseIP("127.0.0.1"),
	}}, cmd))
	assert.Contains(t, out.String(), "Forwarding from 127.0.0.1:")

	g.Add(func() error { return errors.New("done") }, func(error) {})
	require.Error(t, g.Run())
	assert.Zero(t, client.closes.Load())
}
