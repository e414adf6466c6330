package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SettlementProfile is a marketplace-specific configuration profile: default
// settlement terms and dispute policy for agreements minted under it.
type SettlementProfile struct {
	Name     string        `yaml:"name" json:"name"`
	Code     string        `yaml:"code" json:"code"`
	Currency string        `yaml:"currency" json:"currency"`
	Terms    TermsConfig   `yaml:"terms" json:"terms"`
	Dispute  DisputeConfig `yaml:"dispute" json:"dispute"`
}

// TermsConfig holds default and ceiling settlement terms per marketplace.
type TermsConfig struct {
	DefaultHoldbackBps       int   `yaml:"default_holdback_bps" json:"default_holdback_bps"`
	DefaultChallengeWindowMs int64 `yaml:"default_challenge_window_ms" json:"default_challenge_window_ms"`
	MaxAmountCents           int64 `yaml:"max_amount_cents" json:"max_amount_cents"`
	MaxHoldbackBps           int   `yaml:"max_holdback_bps,omitempty" json:"max_holdback_bps,omitempty"`
}

// DisputeConfig controls the dispute path per marketplace.
type DisputeConfig struct {
	AllowAdminOverride bool   `yaml:"allow_admin_override" json:"allow_admin_override"`
	ArbiterAgentID     string `yaml:"arbiter_agent_id,omitempty" json:"arbiter_agent_id,omitempty"`
	MinEvidenceItems   int    `yaml:"min_evidence_items,omitempty" json:"min_evidence_items,omitempty"`
}

// LoadProfile loads a settlement profile YAML by marketplace code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*SettlementProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile SettlementProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*SettlementProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*SettlementProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile SettlementProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// PermitsAmount reports whether the profile allows an agreement of this size.
func (p *SettlementProfile) PermitsAmount(amountCents int64) bool {
	return p.Terms.MaxAmountCents <= 0 || amountCents <= p.Terms.MaxAmountCents
}

// HoldbackBps returns the holdback to apply when the agreement does not pin
// one, clamped to the profile's ceiling.
func (p *SettlementProfile) HoldbackBps(requested int) int {
	bps := requested
	if bps <= 0 {
		bps = p.Terms.DefaultHoldbackBps
	}
	if p.Terms.MaxHoldbackBps > 0 && bps > p.Terms.MaxHoldbackBps {
		bps = p.Terms.MaxHoldbackBps
	}
	return bps
}
