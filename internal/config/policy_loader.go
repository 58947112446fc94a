// Package config provides policy document loading and the runtime
// configuration for the agentguard CLI.
package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentguard/agentguard/internal/domain/guard"
	"github.com/agentguard/agentguard/internal/domain/policy"
	"github.com/agentguard/agentguard/internal/domain/security"
)

// LoadPolicyFile reads a YAML policy document, applies defaults, and
// validates it. All failures wrap guard.ErrPolicyLoad.
func LoadPolicyFile(path string) (*policy.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", guard.ErrPolicyLoad, path, err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes a YAML policy document and prepares it for use.
func ParsePolicy(raw []byte) (*policy.Policy, error) {
	var p policy.Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid YAML: %w", guard.ErrPolicyLoad, err)
	}
	if err := PreparePolicy(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// PreparePolicy applies defaults and validates a policy document in
// place. Inline policies pass through here too, so file-based and
// programmatic configuration are held to the same rules.
func PreparePolicy(p *policy.Policy) error {
	if p.DefaultAction == "" {
		p.DefaultAction = policy.ActionAllow
	}
	if p.Webhook != nil {
		p.Webhook.ApplyDefaults()
	}
	if err := validatePolicy(p); err != nil {
		return fmt.Errorf("%w: %w", guard.ErrPolicyLoad, err)
	}
	return nil
}

func validatePolicy(p *policy.Policy) error {
	if p.Name == "" {
		return fmt.Errorf("policy: name is required")
	}
	if !p.DefaultAction.Valid() {
		return fmt.Errorf("policy: defaultAction must be one of allow, block, require_approval; got %q", p.DefaultAction)
	}

	names := make(map[string]struct{}, len(p.Rules))
	for i := range p.Rules {
		if err := validateRule(&p.Rules[i]); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, dup := names[p.Rules[i].Name]; dup {
			return fmt.Errorf("rules[%d]: duplicate rule name %q", i, p.Rules[i].Name)
		}
		names[p.Rules[i].Name] = struct{}{}
	}

	if p.Webhook != nil {
		if err := validateWebhook(p.Webhook); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}
	return nil
}

func validateRule(r *policy.Rule) error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !r.Action.Valid() {
		return fmt.Errorf("action must be one of allow, block, require_approval; got %q", r.Action)
	}
	for ci, cond := range r.Conditions {
		if err := validateCondition(cond); err != nil {
			return fmt.Errorf("conditions[%d]: %w", ci, err)
		}
	}
	return nil
}

func validateCondition(c policy.Condition) error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Operator {
	case policy.OpIn:
		if _, ok := c.Value.([]any); !ok {
			return fmt.Errorf("operator %q requires an array value", c.Operator)
		}
	case policy.OpRegex, policy.OpStartsWith, policy.OpEndsWith, policy.OpContains:
		if _, ok := c.Value.(string); !ok {
			return fmt.Errorf("operator %q requires a string value", c.Operator)
		}
	case policy.OpGT, policy.OpLT, policy.OpGTE, policy.OpLTE:
		if !isNumeric(c.Value) {
			return fmt.Errorf("operator %q requires a numeric value", c.Operator)
		}
	}
	return nil
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// validateWebhook runs after ApplyDefaults, so the timeout and retry
// fields are already positive.
func validateWebhook(w *policy.WebhookConfig) error {
	u, err := url.Parse(w.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("url must be a valid http(s) URL, got %q", w.URL)
	}
	if w.Security == nil {
		return fmt.Errorf("security is required when a webhook is configured")
	}
	if len(w.Security.SigningSecret) < security.MinSigningSecretLen {
		return fmt.Errorf("security.signingSecret must be at least %d bytes, got %d",
			security.MinSigningSecretLen, len(w.Security.SigningSecret))
	}
	if w.Security.EncryptionKey != "" {
		key, err := hex.DecodeString(w.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("security.encryptionKey must be hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("security.encryptionKey must be 32 bytes (64 hex chars), got %d bytes", len(key))
		}
	}
	if w.Security.EncryptSensitiveData {
		if w.Security.EncryptionKey == "" {
			return fmt.Errorf("security.encryptSensitiveData requires security.encryptionKey")
		}
		if len(w.Security.SensitiveFields) == 0 {
			return fmt.Errorf("security.encryptSensitiveData requires security.sensitiveFields")
		}
	}
	return nil
}
