package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasCapabilityMatrix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		roles      []string
		capability Capability
		want       bool
	}{
		{
			name:       "admin has defined capability",
			roles:      []string{"admin"},
			capability: CapOrdersAssign,
			want:       true,
		},
		{
			name:       "admin denied for undefined capability",
			roles:      []string{"admin"},
			capability: Capability("made.up"),
			want:       false,
		},
		{
			name:       "ops can edit bills",
			roles:      []string{"ops"},
			capability: CapBillsEdit,
			want:       true,
		},
		{
			name:       "support cannot submit bills",
			roles:      []string{"support"},
			capability: CapBillsSubmit,
			want:       false,
		},
		{
			name:       "support can cancel requests",
			roles:      []string{"support"},
			capability: CapRequestsCancel,
			want:       true,
		},
		{
			name:       "finance confirms payments",
			roles:      []string{"Finance "},
			capability: CapPaymentsConfirm,
			want:       true,
		},
		{
			name:       "ops cannot confirm payments",
			roles:      []string{"ops"},
			capability: CapPaymentsConfirm,
			want:       false,
		},
		{
			name:       "combined roles inherit union of capabilities",
			roles:      []string{"support", "finance"},
			capability: CapPaymentsConfirm,
			want:       true,
		},
		{
			name:       "unknown role grants nothing",
			roles:      []string{"unknown"},
			capability: CapRequestsView,
			want:       false,
		},
		{
			name:       "empty capability defaults to visible",
			roles:      []string{"support"},
			capability: Capability(""),
			want:       true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, HasCapability(tc.roles, tc.capability))
		})
	}
}

func TestCapabilitiesForRoles(t *testing.T) {
	t.Parallel()

	caps := CapabilitiesForRoles([]string{"finance"})
	require.True(t, caps[CapPaymentsConfirm])
	require.True(t, caps[CapRequestsView])
	require.False(t, caps[CapBillsEdit])

	admin := CapabilitiesForRoles([]string{"admin"})
	require.Len(t, admin, len(capabilityRoles))
}

func TestHasAnyRole(t *testing.T) {
	t.Parallel()

	require.True(t, HasAnyRole([]string{"support"}, Roles{RoleSupport}))
	require.False(t, HasAnyRole([]string{"finance"}, Roles{RoleSupport}))
	require.True(t, HasAnyRole([]string{"finance"}, Roles{RoleFinance, RoleSupport}))
	require.True(t, HasAnyRole([]string{"unknown", "admin"}, Roles{RoleFinance}), "admin satisfies any requirement")
}
