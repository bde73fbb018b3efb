// Package policy supplies session policy: lease and turn duration limits,
// escalation budgets and retention windows, loaded from YAML with live
// reload. Closure decisions upstream of the coordination core consume it.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider is the interface consumers use to read session policy.
type Provider interface {
	SessionPolicy(organization string) SessionPolicy
	PolicyVersion() string
}

// SessionPolicy bounds one organization's sessions.
type SessionPolicy struct {
	SessionTTL         time.Duration `yaml:"-"`
	MaxTurnDuration    time.Duration `yaml:"-"`
	LeaseDuration      time.Duration `yaml:"-"`
	EscalationBudget   int           `yaml:"-"`
	EdgeRetentionDays  int           `yaml:"-"`
	AuditRetentionDays int           `yaml:"-"`
}

// UnmarshalYAML accepts durations in Go syntax ("45s", "10m") and leaves
// fields absent from the document untouched, so overrides merge over
// whatever the target already holds.
func (sp *SessionPolicy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SessionTTL         string `yaml:"session_ttl"`
		MaxTurnDuration    string `yaml:"max_turn_duration"`
		LeaseDuration      string `yaml:"lease_duration"`
		EscalationBudget   *int   `yaml:"escalation_budget"`
		EdgeRetentionDays  *int   `yaml:"edge_retention_days"`
		AuditRetentionDays *int   `yaml:"audit_retention_days"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	pairs := []struct {
		dst   *time.Duration
		field string
		value string
	}{
		{&sp.SessionTTL, "session_ttl", raw.SessionTTL},
		{&sp.MaxTurnDuration, "max_turn_duration", raw.MaxTurnDuration},
		{&sp.LeaseDuration, "lease_duration", raw.LeaseDuration},
	}
	for _, p := range pairs {
		if p.value == "" {
			continue
		}
		d, err := time.ParseDuration(p.value)
		if err != nil {
			return fmt.Errorf("%s: %w", p.field, err)
		}
		*p.dst = d
	}
	if raw.EscalationBudget != nil {
		sp.EscalationBudget = *raw.EscalationBudget
	}
	if raw.EdgeRetentionDays != nil {
		sp.EdgeRetentionDays = *raw.EdgeRetentionDays
	}
	if raw.AuditRetentionDays != nil {
		sp.AuditRetentionDays = *raw.AuditRetentionDays
	}
	return nil
}

// Policy is the serializable policy data: defaults plus per-organization
// overrides.
type Policy struct {
	Defaults      SessionPolicy            `yaml:"defaults"`
	Organizations map[string]SessionPolicy `yaml:"organizations,omitempty"`
}

func Default() Policy {
	return Policy{
		Defaults: SessionPolicy{
			SessionTTL:         24 * time.Hour,
			MaxTurnDuration:    10 * time.Minute,
			LeaseDuration:      45 * time.Second,
			EscalationBudget:   3,
			EdgeRetentionDays:  30,
			AuditRetentionDays: 90,
		},
	}
}

// Load reads the policy file at path. A missing or empty file yields the
// defaults; a malformed file is an error so a typo cannot silently widen
// limits.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) validate() error {
	if err := validateSessionPolicy("defaults", p.Defaults); err != nil {
		return err
	}
	for org, sp := range p.Organizations {
		if err := validateSessionPolicy(org, sp); err != nil {
			return err
		}
	}
	return nil
}

func validateSessionPolicy(scope string, sp SessionPolicy) error {
	if sp.SessionTTL < 0 || sp.MaxTurnDuration < 0 || sp.LeaseDuration < 0 {
		return fmt.Errorf("policy %s: durations must be non-negative", scope)
	}
	if sp.EscalationBudget < 0 {
		return fmt.Errorf("policy %s: escalation_budget must be non-negative", scope)
	}
	if sp.EdgeRetentionDays < 0 || sp.AuditRetentionDays < 0 {
		return fmt.Errorf("policy %s: retention days must be non-negative", scope)
	}
	return nil
}

// SessionPolicy resolves the effective policy for one organization:
// per-organization override fields fall back to the defaults when zero.
func (p Policy) SessionPolicy(organization string) SessionPolicy {
	out := p.Defaults
	override, ok := p.Organizations[organization]
	if !ok {
		return out
	}
	if override.SessionTTL > 0 {
		out.SessionTTL = override.SessionTTL
	}
	if override.MaxTurnDuration > 0 {
		out.MaxTurnDuration = override.MaxTurnDuration
	}
	if override.LeaseDuration > 0 {
		out.LeaseDuration = override.LeaseDuration
	}
	if override.EscalationBudget > 0 {
		out.EscalationBudget = override.EscalationBudget
	}
	if override.EdgeRetentionDays > 0 {
		out.EdgeRetentionDays = override.EdgeRetentionDays
	}
	if override.AuditRetentionDays > 0 {
		out.AuditRetentionDays = override.AuditRetentionDays
	}
	return out
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// SessionPolicy is the thread-safe resolution used at runtime.
func (lp *LivePolicy) SessionPolicy(organization string) SessionPolicy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.SessionPolicy(organization)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	if lp.data.Organizations != nil {
		cp.Organizations = make(map[string]SessionPolicy, len(lp.data.Organizations))
		for k, v := range lp.data.Organizations {
			cp.Organizations[k] = v
		}
	}
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	writeSessionPolicy := func(scope string, sp SessionPolicy) {
		_, _ = h.Write([]byte(strings.ToLower(scope) + "|"))
		_, _ = h.Write([]byte(sp.SessionTTL.String() + "|"))
		_, _ = h.Write([]byte(sp.MaxTurnDuration.String() + "|"))
		_, _ = h.Write([]byte(sp.LeaseDuration.String() + "|"))
		_, _ = h.Write([]byte(strconv.Itoa(sp.EscalationBudget) + "|"))
		_, _ = h.Write([]byte(strconv.Itoa(sp.EdgeRetentionDays) + "|"))
		_, _ = h.Write([]byte(strconv.Itoa(sp.AuditRetentionDays) + "|"))
	}
	writeSessionPolicy("defaults", p.Defaults)
	orgs := make([]string, 0, len(p.Organizations))
	for org := range p.Organizations {
		orgs = append(orgs, org)
	}
	// Deterministic hash needs deterministic iteration.
	sort.Strings(orgs)
	for _, org := range orgs {
		writeSessionPolicy(org, p.Organizations[org])
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
