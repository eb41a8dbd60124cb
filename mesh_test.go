package meshcoap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldCommission(t *testing.T) {
	tests := []struct {
		commissioned, auto, want bool
	}{
		{false, true, true},
		{false, false, false},
		{true, true, false},
		{true, false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ShouldCommission(tt.commissioned, tt.auto),
			"ShouldCommission(%v, %v)", tt.commissioned, tt.auto)
	}
}

func TestStaticMesh_SetRoleNotifiesOnChange(t *testing.T) {
	m := NewStaticMesh(RoleChild, true)
	var got []StateFlags
	m.SetStateChangedCallback(func(f StateFlags) { got = append(got, f) })

	m.SetRole(RoleChild)
	m.SetRole(RoleRouter)

	assert.Equal(t, []StateFlags{FlagRoleChanged}, got)
	assert.Equal(t, RoleRouter, m.Role())
}

func TestStaticMesh_ChangePartition(t *testing.T) {
	m := NewStaticMesh(RoleLeader, true)
	var got []StateFlags
	m.SetStateChangedCallback(func(f StateFlags) { got = append(got, f) })

	m.ChangePartition(7)
	m.ChangePartition(7)

	assert.Equal(t, []StateFlags{FlagPartitionIDChanged}, got)
	assert.Equal(t, uint32(7), m.Partition())
}

func TestStaticMesh_CommissionFromDisabled(t *testing.T) {
	m := NewStaticMesh(RoleDisabled, false)
	var got []StateFlags
	m.SetStateChangedCallback(func(f StateFlags) { got = append(got, f) })

	require.NoError(t, m.Commission(context.Background()))

	assert.True(t, m.Commissioned())
	assert.Equal(t, RoleDetached, m.Role())
	assert.Equal(t, []StateFlags{FlagRoleChanged}, got)
}

func TestStaticMesh_CommissionCancelled(t *testing.T) {
	m := NewStaticMesh(RoleDisabled, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, m.Commission(ctx), context.Canceled)
	assert.False(t, m.Commissioned())
}

func TestStaticMesh_CallbackMayReenter(t *testing.T) {
	m := NewStaticMesh(RoleChild, true)
	var roles []NetworkRole
	m.SetStateChangedCallback(func(StateFlags) { roles = append(roles, m.Role()) })

	m.SetRole(RoleDetached)

	assert.Equal(t, []NetworkRole{RoleDetached}, roles)
}
