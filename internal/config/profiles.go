package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RiskProfile tunes the exit rules that are not derived from volatility.
type RiskProfile struct {
	Name                  string  `yaml:"name"`
	TrailingActivationPct float64 `yaml:"trailing_activation_pct"`
	TrailingGivebackPct   float64 `yaml:"trailing_giveback_pct"`
	TimeoutHours          float64 `yaml:"timeout_hours"`
}

// DefaultProfiles are used when no profile file is configured.
func DefaultProfiles() map[string]RiskProfile {
	return map[string]RiskProfile{
		"conservative": {Name: "conservative", TrailingActivationPct: 1.5, TrailingGivebackPct: 0.7, TimeoutHours: 24},
		"balanced":     {Name: "balanced", TrailingActivationPct: 2.5, TrailingGivebackPct: 1.2, TimeoutHours: 48},
		"aggressive":   {Name: "aggressive", TrailingActivationPct: 4.0, TrailingGivebackPct: 2.0, TimeoutHours: 96},
	}
}

type profilesFile struct {
	Profiles []RiskProfile `yaml:"profiles"`
}

// LoadProfiles reads risk profiles from a YAML file and merges them over the
// defaults. An empty path returns the defaults.
//
//	profiles:
//	  - name: balanced
//	    trailing_activation_pct: 2.5
//	    trailing_giveback_pct: 1.2
//	    timeout_hours: 48
func LoadProfiles(path string) (map[string]RiskProfile, error) {
	profiles := DefaultProfiles()
	if path == "" {
		return profiles, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles file: %w", err)
	}

	var f profilesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse profiles file: %w", err)
	}

	for _, p := range f.Profiles {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, fmt.Errorf("profile without name in %s", path)
		}
		if p.TrailingGivebackPct <= 0 || p.TrailingActivationPct <= 0 {
			return nil, fmt.Errorf("profile %s: trailing values must be positive", name)
		}
		p.Name = name
		profiles[name] = p
	}
	return profiles, nil
}

// Profile picks the named profile, falling back to balanced. When the
// profile file cannot be loaded the built-in profiles are used and the load
// error is returned alongside a usable profile.
func (c *Config) Profile() (RiskProfile, error) {
	name := strings.ToLower(c.RiskProfile)
	profiles, err := LoadProfiles(c.RiskProfilesFile)
	if err != nil {
		profiles = DefaultProfiles()
		err = fmt.Errorf("%w, using built-in profiles", err)
	}
	if p, ok := profiles[name]; ok {
		return p, err
	}
	if err == nil {
		err = fmt.Errorf("unknown risk profile %q, using balanced", c.RiskProfile)
	}
	return profiles["balanced"], err
}
