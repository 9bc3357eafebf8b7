package trigger

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is the hand-written form of a trigger used by YAML imports.
// Enabled defaults to true.
type Definition struct {
	UserID            string         `yaml:"userId"`
	Type              Type           `yaml:"type"`
	Conditions        Conditions     `yaml:"conditions"`
	Action            Action         `yaml:"action"`
	ActionConfig      map[string]any `yaml:"actionConfig,omitempty"`
	AgentID           string         `yaml:"agentId,omitempty"`
	Enabled           *bool          `yaml:"enabled,omitempty"`
	CooldownMinutes   int            `yaml:"cooldownMinutes"`
	MaxFiringsPerDay  int            `yaml:"maxFiringsPerDay"`
	QuietHoursRespect bool           `yaml:"quietHoursRespect"`
	Priority          int            `yaml:"priority"`
}

type definitionFile struct {
	Triggers []Definition `yaml:"triggers"`
}

func (d Definition) Trigger() Trigger {
	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}
	return Trigger{
		UserID:            d.UserID,
		Type:              d.Type,
		Conditions:        d.Conditions,
		Action:            d.Action,
		ActionConfig:      d.ActionConfig,
		AgentID:           d.AgentID,
		Enabled:           enabled,
		CooldownMinutes:   d.CooldownMinutes,
		MaxFiringsPerDay:  d.MaxFiringsPerDay,
		QuietHoursRespect: d.QuietHoursRespect,
		Priority:          d.Priority,
	}
}

// ParseDefinitions decodes a YAML document with a top-level "triggers" list.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse trigger definitions: %w", err)
	}
	for i, d := range f.Triggers {
		if d.UserID == "" {
			return nil, fmt.Errorf("trigger definition %d: userId is required", i)
		}
		if err := d.Conditions.validate(); err != nil {
			return nil, fmt.Errorf("trigger definition %d: %w", i, err)
		}
	}
	return f.Triggers, nil
}

func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trigger definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// Import adds every definition and returns the stored triggers.
func (e *Engine) Import(defs []Definition) ([]Trigger, error) {
	out := make([]Trigger, 0, len(defs))
	for i, d := range defs {
		t, err := e.Add(d.Trigger())
		if err != nil {
			return out, fmt.Errorf("import trigger %d: %w", i, err)
		}
		out = append(out, t)
	}
	return out, nil
}
