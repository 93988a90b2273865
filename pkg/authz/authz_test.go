package authz

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p, err := LoadPolicyFile("")
	require.NoError(t, err)
	a, err := NewAuthorizer(p)
	require.NoError(t, err)

	tests := []struct {
		role, action string
		want         bool
	}{
		{"hr_admin", "delete", true},
		{"HR_Admin", "restructure", true},
		{"hr_officer", "approve", true},
		{"hr_officer", "delete", false},
		{"hr_officer", "watch", true},
		{"payroll", "watch", false},
		{"payroll", "payroll_confirm", true},
		{"payroll", "approve", false},
		{"", "approve", false},
		{"employee", "disburse", false},
	}
	for _, tt := range tests {
		got, err := a.Allowed(tt.role, tt.action)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s/%s", tt.role, tt.action)
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("roles:\n  auditor: [delete]\n"), 0o644))

	p, err := LoadPolicyFile(path)
	require.NoError(t, err)
	a, err := NewAuthorizer(p)
	require.NoError(t, err)

	ok, err := a.Allowed("auditor", "delete")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Allowed("hr_admin", "delete")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParsePolicy_Invalid(t *testing.T) {
	_, err := ParsePolicy([]byte("roles: ["))
	assert.Error(t, err)

	_, err = ParsePolicy([]byte("roles: {}\n"))
	assert.Error(t, err)

	_, err = LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSubjectFromRoleSlug(t *testing.T) {
	assert.Equal(t, "role:anonymous", SubjectFromRoleSlug("  "))
	assert.Equal(t, "role:hr_admin", SubjectFromRoleSlug(" HR_ADMIN "))
}
