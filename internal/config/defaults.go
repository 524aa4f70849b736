package config

import "bridgectl/internal/portforwarding"

const (
	DefaultAgentNamespace = "bridge"
	DefaultAgentTarget    = "service/bridge-agent"
	DefaultAgentPort      = 50051
)

// GetDefaultConfig returns minimal default configuration.
// By default no forwards are configured.
func GetDefaultConfig() BridgeConfig {
	return BridgeConfig{
		Agent: AgentSettings{
			Namespace: DefaultAgentNamespace,
			Target:    DefaultAgentTarget,
			Port:      DefaultAgentPort,
		},
		Protocol:          portforwarding.SubProtocolV4Channel,
		ContainerForwards: []ContainerForwardDefinition{},
		ReverseForwards:   []ReverseForwardDefinition{},
		ServiceForwards:   []ServiceForwardDefinition{},
	}
}
