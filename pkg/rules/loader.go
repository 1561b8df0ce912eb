package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Castellan-Labs/castellan/pkg/contracts"
)

// profileSchema validates rule profile documents before any rule is
// admitted. Structural errors in a profile are configuration errors and
// reject the whole file.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "escalation_level", "target_role"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "case_type": {"type": "string"},
          "priority_threshold": {"enum": ["any", "low", "medium", "high", "critical"]},
          "risk_score_threshold": {"type": "integer", "minimum": 0, "maximum": 100},
          "time_threshold_hours": {"type": "number", "minimum": 0},
          "expression": {"type": "string"},
          "escalation_level": {"type": "integer", "minimum": 1, "maximum": 5},
          "target_role": {"type": "string", "minLength": 1},
          "auto_assign": {"type": "boolean"},
          "send_notifications": {"type": "boolean"},
          "priority_boost": {"type": "boolean"},
          "active": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

var compiledProfileSchema = jsonschema.MustCompileString("profile.schema.json", profileSchema)

// Profile is a named set of rule definitions loaded from YAML.
type Profile struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Rules       []ruleProfile `yaml:"rules"`
}

// ruleProfile is the on-disk shape of a rule; priorities are symbolic.
type ruleProfile struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	CaseType           string   `yaml:"case_type"`
	PriorityThreshold  string   `yaml:"priority_threshold"`
	RiskScoreThreshold *int     `yaml:"risk_score_threshold"`
	TimeThresholdHours *float64 `yaml:"time_threshold_hours"`
	Expression         string   `yaml:"expression"`
	EscalationLevel    int      `yaml:"escalation_level"`
	TargetRole         string   `yaml:"target_role"`
	AutoAssign         bool     `yaml:"auto_assign"`
	SendNotifications  bool     `yaml:"send_notifications"`
	PriorityBoost      bool     `yaml:"priority_boost"`
	Active             *bool    `yaml:"active"`
}

// LoadProfile reads, schema-validates and decodes one rule profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load rule profile %q: %w", path, err)
	}
	return ParseProfile(data, filepath.Base(path))
}

// ParseProfile decodes a YAML rule profile document.
func ParseProfile(data []byte, source string) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rule profile %q: %w", source, err)
	}

	// Round-trip through JSON so the schema validator sees canonical
	// JSON types rather than YAML decoder internals.
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("canonicalize rule profile %q: %w", source, err)
	}
	var v any
	if err := json.Unmarshal(jsonDoc, &v); err != nil {
		return nil, fmt.Errorf("canonicalize rule profile %q: %w", source, err)
	}
	if err := compiledProfileSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("rule profile %q failed validation: %w", source, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode rule profile %q: %w", source, err)
	}
	if profile.Name == "" {
		profile.Name = source
	}
	return &profile, nil
}

// Install converts the profile's definitions and creates them in the
// registry. Per-rule admission failures reject the profile as a whole.
func (p *Profile) Install(registry *Registry) ([]*contracts.EscalationRule, error) {
	created := make([]*contracts.EscalationRule, 0, len(p.Rules))
	for i := range p.Rules {
		rule, err := p.Rules[i].toRule()
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		stored, err := registry.Create(rule)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		created = append(created, stored)
	}
	return created, nil
}

func (rp *ruleProfile) toRule() (*contracts.EscalationRule, error) {
	priority, err := contracts.ParsePriority(rp.PriorityThreshold)
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", rp.Name, err)
	}
	active := true
	if rp.Active != nil {
		active = *rp.Active
	}
	return &contracts.EscalationRule{
		Name:               rp.Name,
		Description:        rp.Description,
		CaseType:           contracts.CaseType(rp.CaseType),
		PriorityThreshold:  priority,
		RiskScoreThreshold: rp.RiskScoreThreshold,
		TimeThresholdHours: rp.TimeThresholdHours,
		Expression:         rp.Expression,
		EscalationLevel:    rp.EscalationLevel,
		TargetRole:         rp.TargetRole,
		AutoAssign:         rp.AutoAssign,
		SendNotifications:  rp.SendNotifications,
		PriorityBoost:      rp.PriorityBoost,
		Active:             active,
	}, nil
}
