package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bridgectl/internal/portforwarding"
	"bridgectl/pkg/logging"

	"gopkg.in/yaml.v3"
)

// For mocking in tests
var osUserHomeDir = os.UserHomeDir
var osGetwd = os.Getwd

const (
	userConfigDir    = ".config/bridgectl"
	projectConfigDir = ".bridgectl"
	configFileName   = "config.yaml"
)

// LoadConfig loads the bridgectl configuration by layering default, user and
// project settings. A non-empty explicitPath is layered last and must exist.
func LoadConfig(explicitPath string) (BridgeConfig, error) {
	// 1. Start with the default configuration
	config := GetDefaultConfig()

	// 2. User and project configuration are optional
	for _, layer := range []struct {
		name string
		path func() (string, error)
	}{
		{"user", getUserConfigPath},
		{"project", getProjectConfigPath},
	} {
		path, err := layer.path()
		if err != nil {
			logging.Warn("Config", "Could not determine %s config path: %v", layer.name, err)
			continue
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		overlay, err := loadConfigFromFile(path)
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("error loading %s config from %s: %w", layer.name, path, err)
		}
		logging.Debug("Config", "Loaded %s config from %s", layer.name, path)
		config = mergeConfigs(config, overlay)
	}

	// 3. Explicit file from --config
	if explicitPath != "" {
		overlay, err := loadConfigFromFile(explicitPath)
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("error loading config from %s: %w", explicitPath, err)
		}
		config = mergeConfigs(config, overlay)
	}

	if err := config.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return config, nil
}

var getUserConfigPath = func() (string, error) {
	homeDir, err := osUserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, userConfigDir, configFileName), nil
}

var getProjectConfigPath = func() (string, error) {
	wd, err := osGetwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, projectConfigDir, configFileName), nil
}

// loadConfigFromFile loads a BridgeConfig from a YAML file.
func loadConfigFromFile(filePath string) (BridgeConfig, error) {
	var config BridgeConfig
	data, err := os.ReadFile(filePath)
	if err != nil {
		return BridgeConfig{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return BridgeConfig{}, err
	}
	return config, nil
}

// mergeConfigs merges 'overlay' config into 'base' config. Scalars set in the
// overlay win; forwards are merged by name.
func mergeConfigs(base, overlay BridgeConfig) BridgeConfig {
	merged := base

	if overlay.Kube.Kubeconfig != "" {
		merged.Kube.Kubeconfig = overlay.Kube.Kubeconfig
	}
	if overlay.Kube.Context != "" {
		merged.Kube.Context = overlay.Kube.Context
	}

	if overlay.Agent.Namespace != "" {
		merged.Agent.Namespace = overlay.Agent.Namespace
	}
	if overlay.Agent.Target != "" {
		merged.Agent.Target = overlay.Agent.Target
	}
	if overlay.Agent.Port != 0 {
		merged.Agent.Port = overlay.Agent.Port
	}
	if overlay.Agent.URL != "" {
		merged.Agent.URL = overlay.Agent.URL
	}
	if overlay.Protocol != "" {
		merged.Protocol = overlay.Protocol
	}

	merged.ContainerForwards = mergeByName(base.ContainerForwards, overlay.ContainerForwards,
		func(d ContainerForwardDefinition) string { return d.Name })
	merged.ReverseForwards = mergeByName(base.ReverseForwards, overlay.ReverseForwards,
		func(d ReverseForwardDefinition) string { return d.Name })
	merged.ServiceForwards = mergeByName(base.ServiceForwards, overlay.ServiceForwards,
		func(d ServiceForwardDefinition) string { return d.Name })

	return merged
}

// mergeByName replaces base entries that share a name with an overlay entry
// and appends the rest, keeping the original order.
func mergeByName[T any](base, overlay []T, name func(T) string) []T {
	merged := append([]T{}, base...)
	index := make(map[string]int, len(merged))
	for i, item := range merged {
		index[name(item)] = i
	}
	for _, item := range overlay {
		if i, ok := index[name(item)]; ok {
			merged[i] = item
			continue
		}
		index[name(item)] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// Validate checks the merged configuration.
func (c BridgeConfig) Validate() error {
	var errs []error

	switch c.Protocol {
	case portforwarding.SubProtocolV4Channel, portforwarding.SubProtocolSPDY:
	default:
		errs = append(errs, fmt.Errorf("unsupported protocol %q", c.Protocol))
	}
	if c.Agent.URL == "" && (c.Agent.Target == "" || !validPort(c.Agent.Port)) {
		errs = append(errs, fmt.Errorf("agent needs either a url or a target and port"))
	}

	for _, d := range c.ContainerForwards {
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("container forward %q: target is required", d.Name))
		}
		if !validPort(d.RemotePort) {
			errs = append(errs, fmt.Errorf("container forward %q: invalid remote port %d", d.Name, d.RemotePort))
		}
		if d.LocalPort < 0 || d.LocalPort > 65535 {
			errs = append(errs, fmt.Errorf("container forward %q: invalid local port %d", d.Name, d.LocalPort))
		}
	}
	for _, d := range c.ReverseForwards {
		if !validPort(d.Port) {
			errs = append(errs, fmt.Errorf("reverse forward %q: invalid port %d", d.Name, d.Port))
		}
		if d.LocalPort != nil && !validPort(*d.LocalPort) {
			errs = append(errs, fmt.Errorf("reverse forward %q: invalid local port %d", d.Name, *d.LocalPort))
		}
	}
	for _, d := range c.ServiceForwards {
		if d.ServiceDNS == "" {
			errs = append(errs, fmt.Errorf("service forward %q: serviceDNS is required", d.Name))
		}
		if !validPort(d.ServicePort) {
			errs = append(errs, fmt.Errorf("service forward %q: invalid service port %d", d.Name, d.ServicePort))
		}
		if d.LocalPort != nil && (*d.LocalPort < 0 || *d.LocalPort > 65535) {
			errs = append(errs, fmt.Errorf("service forward %q: invalid local port %d", d.Name, *d.LocalPort))
		}
		if _, err := d.StartInfo(); err != nil {
			errs = append(errs, fmt.Errorf("service forward %q: %w", d.Name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
