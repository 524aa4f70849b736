package cmd

import (
	"context"
	"fmt"

	"bridgectl/internal/agent"
	"bridgectl/internal/config"
	"bridgectl/internal/kube"
	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"github.com/oklog/run"
)

// connectAgent opens the control channel to the agent. Without an agent URL it
// port-forwards to the agent pod first. The forward and the channel are added
// to g; the group ends when the channel drops.
func connectAgent(ctx context.Context, g *run.Group, cfg config.BridgeConfig, agentURL string) (*agent.Client, error) {
	if agentURL == "" {
		agentURL = cfg.Agent.URL
	}
	if agentURL != "" {
		client, err := agent.Dial(ctx, agentURL)
		if err != nil {
			return nil, err
		}
		watchAgent(g, client)
		return client, nil
	}

	kc, err := kube.NewClientForContext(cfg.Kube.Kubeconfig, cfg.Kube.Context)
	if err != nil {
		return nil, err
	}
	pod, err := kc.ResolvePod(ctx, cfg.Agent.Namespace, cfg.Agent.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to find the agent: %w", err)
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	ready := make(chan portforwarding.PortPair, 1)
	forwarder := portforwarding.NewContainerForwarder(kc, portforwarding.WithSubProtocol(cfg.Protocol))
	fwd := forwarder.StartContainerPortForward(fwdCtx, cfg.Agent.Namespace, pod, 0, cfg.Agent.Port,
		func(pp portforwarding.PortPair) { ready <- pp })

	var pp portforwarding.PortPair
	select {
	case pp = <-ready:
	case <-fwd.Done():
		cancel()
		if err := fwd.Err(); err != nil {
			return nil, fmt.Errorf("failed to port-forward to the agent: %w", err)
		}
		return nil, ctx.Err()
	case <-ctx.Done():
		cancel()
		fwd.Wait()
		return nil, ctx.Err()
	}

	url := fmt.Sprintf("ws://127.0.0.1:%d%s", pp.Local, agent.ConnectPath)
	logging.Debug("CLI", "Reaching agent %s/%s through %s", cfg.Agent.Namespace, logging.PII(pod), url)
	client, err := agent.Dial(ctx, url)
	if err != nil {
		cancel()
		fwd.Wait()
		return nil, err
	}

	g.Add(fwd.Wait, func(error) { cancel() })
	watchAgent(g, client)
	return client, nil
}

// watchAgent ends the group when the control channel drops.
func watchAgent(g *run.Group, client *agent.Client) {
	stop := make(chan struct{})
	g.Add(func() error {
		select {
		case <-client.Done():
			return agent.ErrAgentClosed
		case <-stop:
			return nil
		}
	}, func(error) {
		client.Close()
		close(stop)
	})
}

// borrowedClient lends a shared agent client to one forwarder. Forwarders close
// their client on Stop; the shared client is closed once, by watchAgent.
type borrowedClient struct {
	portforwarding.AgentClient
}

func (borrowedClient) Close() error {
	return nil
}
