package config

import (
	"reflect"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/endpoint"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are reported with their new values; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VADChanged is set when endpoint tunables changed. They apply to
	// streams opened after the reload.
	VADChanged bool
	NewVAD     endpoint.Config

	// DenoiseChanged is set when denoiser settings changed. They apply to
	// streams opened after the reload.
	DenoiseChanged bool

	AgentsChanged bool
	AgentChanges  []AgentDiff

	// RestartRequired names the sections that changed but only take effect
	// after a restart.
	RestartRequired []string
}

// AgentDiff describes what changed for a single agent between two configs.
type AgentDiff struct {
	Name    string
	Config  agent.Config // the new configuration; zero when Removed
	Added   bool
	Removed bool
	Changed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
		d.NewVAD = new.VAD
	}
	if !reflect.DeepEqual(old.Denoise, new.Denoise) {
		d.DenoiseChanged = true
	}

	// Build agent lookup maps keyed by name.
	oldAgents := make(map[string]*agent.Config, len(old.Agents))
	for i := range old.Agents {
		oldAgents[old.Agents[i].Name] = &old.Agents[i]
	}
	newAgents := make(map[string]*agent.Config, len(new.Agents))
	for i := range new.Agents {
		newAgents[new.Agents[i].Name] = &new.Agents[i]
	}

	// Detect modified and removed agents, in the old order.
	for _, a := range old.Agents {
		na, exists := newAgents[a.Name]
		if !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{Name: a.Name, Removed: true})
			continue
		}
		if !reflect.DeepEqual(a, *na) {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{Name: a.Name, Config: *na, Changed: true})
		}
	}

	// Detect added agents, in the new order.
	for _, a := range new.Agents {
		if _, exists := oldAgents[a.Name]; !exists {
			d.AgentChanges = append(d.AgentChanges, AgentDiff{Name: a.Name, Config: a, Added: true})
		}
	}
	d.AgentsChanged = len(d.AgentChanges) > 0

	// Sections that are wired once at startup.
	restart := []struct {
		name string
		old  any
		new  any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"server.log_format", old.Server.LogFormat, new.Server.LogFormat},
		{"server.sentry_dsn", old.Server.SentryDSN, new.Server.SentryDSN},
		{"server.temp_dir", old.Server.TempDir, new.Server.TempDir},
		{"server.outbound_webhook", old.Server.OutboundWebhook, new.Server.OutboundWebhook},
		{"server.event_log", old.Server.EventLog, new.Server.EventLog},
		{"server.tls", old.Server.TLS, new.Server.TLS},
		{"audio", old.Audio, new.Audio},
		{"turn", old.Turn, new.Turn},
		{"providers", old.Providers, new.Providers},
		{"resilience", old.Resilience, new.Resilience},
		{"memory", old.Memory, new.Memory},
	}
	for _, r := range restart {
		if !reflect.DeepEqual(r.old, r.new) {
			d.RestartRequired = append(d.RestartRequired, r.name)
		}
	}

	return d
}
