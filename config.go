package sentinel

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// DECLARATIVE CONFIGURATION
// ============================================================================

// Config is the deployment-time declarative surface: tenants, policy
// definitions and engine tuning. There is no runtime API to relax policies
// other than feeding this to the Installer during a deployment.
type Config struct {
	Version    uint16              `json:"version" yaml:"version"`
	Tenants    []TenantConfig      `json:"tenants,omitempty" yaml:"tenants,omitempty"`
	Policies   []PolicyConfig      `json:"policies" yaml:"policies"`
	Engine     EngineConfig        `json:"engine" yaml:"engine"`
	Redact     map[string][]string `json:"redact,omitempty" yaml:"redact,omitempty"`
	AuditReads []string            `json:"audit_reads,omitempty" yaml:"audit_reads,omitempty"`
}

type TenantConfig struct {
	ID     string       `json:"id" yaml:"id"`
	Name   string       `json:"name" yaml:"name"`
	Status TenantStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// PolicyConfig is one declarative policy entry. Conditions use the textual
// predicate syntax understood by ParseCondition.
type PolicyConfig struct {
	ResourceType string            `json:"resource_type" yaml:"resource_type"`
	Action       Action            `json:"action" yaml:"action"`
	AllowedRoles []Role            `json:"allowed_roles" yaml:"allowed_roles"`
	Conditions   []ConditionConfig `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

type ConditionConfig struct {
	Roles      []Role `json:"roles,omitempty" yaml:"roles,omitempty"`
	Capability string `json:"capability,omitempty" yaml:"capability,omitempty"`
	When       string `json:"when,omitempty" yaml:"when,omitempty"`
}

// EngineConfig carries runtime tuning knobs.
type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	RegistryRefresh     int64 `json:"registry_refresh_ms" yaml:"registry_refresh_ms"`
	AuditQueueSize      int   `json:"audit_queue_size" yaml:"audit_queue_size"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// ConfigLoader loads configuration from the supported formats.
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader { return &ConfigLoader{} }

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToYAML exports config to YAML.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to indented JSON.
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// PolicySets groups the declarative policy entries by resource type into
// validated, compiled sets ready for the Installer.
func (c *Config) PolicySets() ([]*PolicySet, error) {
	grouped := make(map[string]*PolicySet)
	order := make([]string, 0)
	for _, pc := range c.Policies {
		if pc.ResourceType == "" {
			return nil, fmt.Errorf("policy entry missing resource_type")
		}
		set, ok := grouped[pc.ResourceType]
		if !ok {
			set = &PolicySet{ResourceType: pc.ResourceType}
			grouped[pc.ResourceType] = set
			order = append(order, pc.ResourceType)
		}
		policy := &Policy{
			ResourceType: pc.ResourceType,
			Action:       pc.Action,
			AllowedRoles: append([]Role(nil), pc.AllowedRoles...),
		}
		for _, cc := range pc.Conditions {
			policy.Conditions = append(policy.Conditions, ConditionalRule{
				Roles:      append([]Role(nil), cc.Roles...),
				Capability: cc.Capability,
				When:       cc.When,
			})
		}
		set.Policies = append(set.Policies, policy)
	}
	sort.Strings(order)
	sets := make([]*PolicySet, 0, len(order))
	for _, rt := range order {
		set := grouped[rt]
		if err := set.Validate(); err != nil {
			return nil, err
		}
		if err := set.Compile(); err != nil {
			return nil, err
		}
		sets = append(sets, set)
	}
	return sets, nil
}

// EvaluatorOptions translates the engine knobs into evaluator options.
func (c *Config) EvaluatorOptions() []EvaluatorOption {
	opts := []EvaluatorOption{}
	ttl := time.Second
	if c.Engine.DecisionCacheTTL > 0 {
		ttl = time.Duration(c.Engine.DecisionCacheTTL) * time.Millisecond
	}
	opts = append(opts, WithDecisionCache(
		c.Engine.RistrettoNumCounter,
		c.Engine.RistrettoMaxCost,
		c.Engine.RistrettoBuffer,
		ttl,
	))
	return opts
}

// RecorderOptions translates the audit knobs into recorder options.
func (c *Config) RecorderOptions() []RecorderOption {
	opts := []RecorderOption{}
	if c.Engine.AuditQueueSize > 0 {
		opts = append(opts, WithQueueSize(c.Engine.AuditQueueSize))
	}
	for rt, fields := range c.Redact {
		opts = append(opts, WithRedaction(rt, fields...))
	}
	if len(c.AuditReads) > 0 {
		opts = append(opts, WithAuditedReads(c.AuditReads...))
	}
	return opts
}

// RegistryOptions translates the refresh knob into registry options.
func (c *Config) RegistryOptions() []RegistryOption {
	opts := []RegistryOption{}
	if c.Engine.RegistryRefresh > 0 {
		opts = append(opts, WithRefreshInterval(time.Duration(c.Engine.RegistryRefresh)*time.Millisecond))
	}
	return opts
}
