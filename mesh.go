package meshcoap

import (
	"context"
	"sync"
)

// Mesh is the Thread stack as seen by the session.
type Mesh interface {
	// Role returns the device's current role.
	Role() NetworkRole

	// Commissioned reports whether an operational dataset is present.
	Commissioned() bool

	// Commission joins the device to a network.
	Commission(ctx context.Context) error

	// SetStateChangedCallback registers the single state-change listener.
	// The callback may run on any goroutine.
	SetStateChangedCallback(fn func(StateFlags))
}

// ShouldCommission is the commissioning rule applied at start: a device without a
// dataset commissions itself only when auto-commissioning is enabled.
func ShouldCommission(commissioned, autoCommission bool) bool {
	return !commissioned && autoCommission
}

// StaticMesh is a Mesh whose role and partition are driven by the caller, for hosts
// that sit behind a border router or for an external driver that relays stack events.
type StaticMesh struct {
	mu           sync.Mutex
	role         NetworkRole
	partition    uint32
	commissioned bool
	callback     func(StateFlags)
}

func NewStaticMesh(role NetworkRole, commissioned bool) *StaticMesh {
	return &StaticMesh{role: role, commissioned: commissioned}
}

func (m *StaticMesh) Role() NetworkRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *StaticMesh) Partition() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.partition
}

func (m *StaticMesh) Commissioned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commissioned
}

// Commission marks the device commissioned. A disabled device moves to detached,
// as a real stack does once it starts attaching.
func (m *StaticMesh) Commission(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.commissioned = true
	changed := m.role == RoleDisabled
	if changed {
		m.role = RoleDetached
	}
	cb := m.callback
	m.mu.Unlock()

	if changed && cb != nil {
		cb(FlagRoleChanged)
	}
	return nil
}

func (m *StaticMesh) SetStateChangedCallback(fn func(StateFlags)) {
	m.mu.Lock()
	m.callback = fn
	m.mu.Unlock()
}

// SetRole changes the role and notifies the listener if it differs.
func (m *StaticMesh) SetRole(role NetworkRole) {
	m.mu.Lock()
	changed := m.role != role
	m.role = role
	cb := m.callback
	m.mu.Unlock()

	if changed && cb != nil {
		cb(FlagRoleChanged)
	}
}

// ChangePartition moves the device to partition id and notifies the listener.
func (m *StaticMesh) ChangePartition(id uint32) {
	m.mu.Lock()
	changed := m.partition != id
	m.partition = id
	cb := m.callback
	m.mu.Unlock()

	if changed && cb != nil {
		cb(FlagPartitionIDChanged)
	}
}
