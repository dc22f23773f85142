package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyThresholds(t *testing.T) {
	policy := DefaultPolicy()

	cases := []struct {
		amount string
		want   int
	}{
		{"1", 1},
		{"10000", 1},
		{"49999.99", 1},
		{"50000", 2}, // tier bounds are exclusive upper limits
		{"60000", 2},
		{"249999.99", 2},
		{"250000", 3},
		{"1000000", 3},
	}

	for _, tc := range cases {
		amount, err := decimal.NewFromString(tc.amount)
		require.NoError(t, err)
		assert.Equal(t, tc.want, policy.RequiredApprovals(amount), "amount %s", tc.amount)
	}
}

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	policy, err := LoadPolicy(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().Tiers[0].MaxAmount, policy.Tiers[0].MaxAmount)
	assert.Equal(t, 24, policy.ApprovalWindowHours)
	assert.Equal(t, 90, policy.Rotation.RequiredAfterDays)
}

func writePolicyFile(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, policyFileName), []byte(content), 0o644))
	return dir
}

func TestLoadPolicyFromFile(t *testing.T) {
	dir := writePolicyFile(t, `
tiers:
  - name: small
    max_amount: "1000"
    required_approvals: 1
  - name: everything-else
    required_approvals: 2
approver_roles:
  - admin
  - security_officer
approval_window_hours: 6
rotation:
  required_after_days: 30
  recommended_after_days: 20
  monitor_after_days: 10
`)

	policy, err := LoadPolicy(dir)
	require.NoError(t, err)
	assert.Equal(t, 6, policy.ApprovalWindowHours)
	assert.Equal(t, 30, policy.Rotation.RequiredAfterDays)
	assert.Equal(t, 1, policy.RequiredApprovals(decimal.NewFromInt(999)))
	assert.Equal(t, 2, policy.RequiredApprovals(decimal.NewFromInt(1000)))
	assert.Equal(t, 2, policy.RequiredApprovals(decimal.NewFromInt(1_000_000)))
}

func TestLoadPolicyRejectsUnorderedTiers(t *testing.T) {
	dir := writePolicyFile(t, `
tiers:
  - name: big
    max_amount: "5000"
    required_approvals: 1
  - name: small
    max_amount: "1000"
    required_approvals: 2
  - name: rest
    required_approvals: 3
`)

	_, err := LoadPolicy(dir)
	require.Error(t, err)
}

func TestLoadPolicyRejectsThresholdAboveRoleCount(t *testing.T) {
	dir := writePolicyFile(t, `
tiers:
  - name: rest
    required_approvals: 5
approver_roles:
  - admin
  - security_officer
`)

	_, err := LoadPolicy(dir)
	require.Error(t, err)
}

func TestLoadPolicyRejectsUnboundedMiddleTier(t *testing.T) {
	dir := writePolicyFile(t, `
tiers:
  - name: open-ended
    required_approvals: 1
  - name: rest
    required_approvals: 2
`)

	_, err := LoadPolicy(dir)
	require.Error(t, err)
}

func TestMissingRolesStableOrder(t *testing.T) {
	policy := DefaultPolicy()

	missing := policy.MissingRoles(map[string]struct{}{}, 2)
	assert.Equal(t, []string{RoleAdmin, RoleSecurityOfficer}, missing)

	missing = policy.MissingRoles(map[string]struct{}{RoleAdmin: {}}, 1)
	assert.Equal(t, []string{RoleSecurityOfficer}, missing)

	missing = policy.MissingRoles(map[string]struct{}{RoleSecurityOfficer: {}}, 2)
	assert.Equal(t, []string{RoleAdmin, RoleComplianceOfficer}, missing)
}

func TestIsKnownRole(t *testing.T) {
	policy := DefaultPolicy()
	assert.True(t, policy.IsKnownRole(RoleAdmin))
	assert.True(t, policy.IsKnownRole(RoleComplianceOfficer))
	assert.False(t, policy.IsKnownRole("intern"))
	assert.False(t, policy.IsKnownRole(""))
}
