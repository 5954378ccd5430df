package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleSeed is one auto-reply rule in the YAML seed file
type RuleSeed struct {
	InstanceID    *int64  `yaml:"instance_id"`
	Trigger       string  `yaml:"trigger"`
	MatchMode     string  `yaml:"match_mode"`
	CaseSensitive bool    `yaml:"case_sensitive"`
	Reply         string  `yaml:"reply"`
	Priority      int     `yaml:"priority"`
	Enabled       *bool   `yaml:"enabled"`
	DailyCap      *int    `yaml:"daily_cap"`
	DelaySeconds  float64 `yaml:"delay_seconds"`
	Category      string  `yaml:"category"`
}

type rulesFile struct {
	Rules []RuleSeed `yaml:"rules"`
}

// LoadRules reads a rules seed file:
//
//	rules:
//	  - trigger: hi
//	    match_mode: contains
//	    reply: "Hello {sender}!"
//	    daily_cap: 3
func LoadRules(path string) ([]RuleSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for i, r := range f.Rules {
		if r.Trigger == "" {
			return nil, fmt.Errorf("rules file %s: rule %d has no trigger", path, i)
		}
		if r.Reply == "" {
			return nil, fmt.Errorf("rules file %s: rule %d has no reply", path, i)
		}
	}
	return f.Rules, nil
}
