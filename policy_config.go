package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	policyFileName = "policy.yaml"

	defaultApprovalWindowHours = 24
)

// Default risk tiers, in token units. Overridable via policy.yaml.
var (
	defaultLargeThreshold    = decimal.NewFromInt(50_000)
	defaultCriticalThreshold = decimal.NewFromInt(250_000)
)

// The approver role set is configuration rather than a fixed enum so new
// personas can be added without a code change. Order matters: missing roles
// are reported to callers in this order.
var defaultApproverRoles = []string{RoleAdmin, RoleSecurityOfficer, RoleComplianceOfficer}

const (
	RoleAdmin             = "admin"
	RoleSecurityOfficer   = "security_officer"
	RoleComplianceOfficer = "compliance_officer"
)

// ApprovalTier maps an amount range to the number of distinct approver
// roles required before a transfer in that range may execute.
type ApprovalTier struct {
	// Name is a human-readable tier label (e.g., "large")
	Name string `yaml:"name"`
	// MaxAmount is the exclusive upper bound of the tier in token units.
	// Empty means unbounded; only the last tier may leave it empty.
	MaxAmount string `yaml:"max_amount"`
	// RequiredApprovals is the distinct-role signature threshold
	RequiredApprovals int `yaml:"required_approvals"`

	maxAmount decimal.Decimal
	unbounded bool
}

// RotationPolicy holds the key-age thresholds, in days.
type RotationPolicy struct {
	RequiredAfterDays    int `yaml:"required_after_days"`
	RecommendedAfterDays int `yaml:"recommended_after_days"`
	MonitorAfterDays     int `yaml:"monitor_after_days"`
}

// PolicyConfig represents the root configuration for the risk-tier table,
// the approver role set, and key-rotation age thresholds.
type PolicyConfig struct {
	Tiers               []ApprovalTier `yaml:"tiers"`
	ApproverRoles       []string       `yaml:"approver_roles"`
	ApprovalWindowHours int            `yaml:"approval_window_hours"`
	Rotation            RotationPolicy `yaml:"rotation"`
}

// DefaultPolicy returns the product's default risk tiers: self-authorized
// below 50k, two roles up to 250k, three roles above.
func DefaultPolicy() PolicyConfig {
	cfg := PolicyConfig{
		Tiers: []ApprovalTier{
			{Name: "standard", MaxAmount: defaultLargeThreshold.String(), RequiredApprovals: 1},
			{Name: "large", MaxAmount: defaultCriticalThreshold.String(), RequiredApprovals: 2},
			{Name: "critical", RequiredApprovals: 3},
		},
		ApproverRoles:       append([]string{}, defaultApproverRoles...),
		ApprovalWindowHours: defaultApprovalWindowHours,
		Rotation: RotationPolicy{
			RequiredAfterDays:    90,
			RecommendedAfterDays: 60,
			MonitorAfterDays:     30,
		},
	}
	// verifyVariables cannot fail on the defaults above
	if err := cfg.verifyVariables(); err != nil {
		panic(err)
	}
	return cfg
}

// LoadPolicy loads and validates the approval policy from <configDirPath>/policy.yaml.
// A missing file is not an error: the product defaults apply.
func LoadPolicy(configDirPath string) (PolicyConfig, error) {
	policyPath := filepath.Join(configDirPath, policyFileName)
	f, err := os.Open(policyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultPolicy(), nil
		}
		return PolicyConfig{}, err
	}
	defer f.Close()

	var cfg PolicyConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return PolicyConfig{}, err
	}

	if cfg.ApprovalWindowHours == 0 {
		cfg.ApprovalWindowHours = defaultApprovalWindowHours
	}
	if len(cfg.ApproverRoles) == 0 {
		cfg.ApproverRoles = append([]string{}, defaultApproverRoles...)
	}
	if cfg.Rotation.RequiredAfterDays == 0 {
		cfg.Rotation = RotationPolicy{RequiredAfterDays: 90, RecommendedAfterDays: 60, MonitorAfterDays: 30}
	}

	if err := cfg.verifyVariables(); err != nil {
		return PolicyConfig{}, err
	}

	return cfg, nil
}

// verifyVariables validates the tier table: at least one tier, bounds parse
// as positive decimals and strictly increase, thresholds never exceed the
// role set size, and only the final tier may be unbounded.
func (cfg *PolicyConfig) verifyVariables() error {
	if len(cfg.Tiers) == 0 {
		return fmt.Errorf("policy requires at least one tier")
	}

	seenRoles := make(map[string]struct{}, len(cfg.ApproverRoles))
	for _, role := range cfg.ApproverRoles {
		if role == "" {
			return fmt.Errorf("approver role cannot be empty")
		}
		if _, ok := seenRoles[role]; ok {
			return fmt.Errorf("duplicate approver role: %s", role)
		}
		seenRoles[role] = struct{}{}
	}

	prev := decimal.Zero
	for i := range cfg.Tiers {
		tier := &cfg.Tiers[i]
		if tier.RequiredApprovals < 1 {
			return fmt.Errorf("tier[%d] requires a positive approval threshold", i)
		}
		if tier.RequiredApprovals > len(cfg.ApproverRoles) {
			return fmt.Errorf("tier[%d] threshold %d exceeds the %d configured roles", i, tier.RequiredApprovals, len(cfg.ApproverRoles))
		}

		if tier.MaxAmount == "" {
			if i != len(cfg.Tiers)-1 {
				return fmt.Errorf("only the last tier may omit max_amount")
			}
			tier.unbounded = true
			continue
		}

		bound, err := decimal.NewFromString(tier.MaxAmount)
		if err != nil {
			return fmt.Errorf("invalid max_amount for tier[%d]: %w", i, err)
		}
		if !bound.IsPositive() {
			return fmt.Errorf("tier[%d] max_amount must be positive", i)
		}
		if i > 0 && bound.LessThanOrEqual(prev) {
			return fmt.Errorf("tier[%d] max_amount must exceed the previous tier bound", i)
		}
		tier.maxAmount = bound
		prev = bound
	}

	if !cfg.Tiers[len(cfg.Tiers)-1].unbounded {
		return fmt.Errorf("the last tier must be unbounded")
	}

	return nil
}

// RequiredApprovals returns the distinct-role signature threshold for the
// given transfer amount.
func (cfg PolicyConfig) RequiredApprovals(amount decimal.Decimal) int {
	for _, tier := range cfg.Tiers {
		if tier.unbounded || amount.LessThan(tier.maxAmount) {
			return tier.RequiredApprovals
		}
	}
	// unreachable: the last tier is always unbounded
	return cfg.Tiers[len(cfg.Tiers)-1].RequiredApprovals
}

// MissingRoles returns up to `want` roles, in the configured stable order,
// that are not present in the supplied set.
func (cfg PolicyConfig) MissingRoles(have map[string]struct{}, want int) []string {
	missing := make([]string, 0, want)
	for _, role := range cfg.ApproverRoles {
		if len(missing) == want {
			break
		}
		if _, ok := have[role]; !ok {
			missing = append(missing, role)
		}
	}
	return missing
}

// IsKnownRole reports whether a role belongs to the configured set.
func (cfg PolicyConfig) IsKnownRole(role string) bool {
	for _, r := range cfg.ApproverRoles {
		if r == role {
			return true
		}
	}
	return false
}
