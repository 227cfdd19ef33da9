package slot

import "sync"

// AllocationChangeEvent is published whenever an adapter's slot usage or
// capacity changes — registration, unregistration, acquire, or release.
type AllocationChangeEvent struct {
	Adapter  string
	InUse    int
	Capacity int
}

// ChangeCallback receives one AllocationChangeEvent per state change.
type ChangeCallback func(AllocationChangeEvent)

// Disposer removes exactly one callback registration.
type Disposer func()

type adapterState struct {
	capacity int
	inUse    int
}

// Manager is the sole arbiter of per-adapter connection-slot concurrency.
// Allocation (Acquire) is non-blocking and boolean; release is infallible.
// Every state change emits a single AllocationChangeEvent to registered
// subscribers — the fabric manager re-publishes these to its own
// allocation-callback subscribers.
type Manager struct {
	mu        sync.Mutex
	adapters  map[string]*adapterState
	callbacks map[int]ChangeCallback
	nextID    int
}

// New returns an empty slot Manager.
func New() *Manager {
	return &Manager{
		adapters:  make(map[string]*adapterState),
		callbacks: make(map[int]ChangeCallback),
	}
}

// Register creates (or resets) the slot pool for an adapter with the given
// capacity and fires an allocation-changed event.
func (m *Manager) Register(adapter string, capacity int) {
	m.mu.Lock()
	m.adapters[adapter] = &adapterState{capacity: capacity}
	event := AllocationChangeEvent{Adapter: adapter, InUse: 0, Capacity: capacity}
	m.mu.Unlock()
	m.publish(event)
}

// Unregister removes an adapter's slot pool entirely and fires a final
// zero-capacity event so subscribers can drop their bookkeeping for it.
func (m *Manager) Unregister(adapter string) {
	m.mu.Lock()
	delete(m.adapters, adapter)
	m.mu.Unlock()
	m.publish(AllocationChangeEvent{Adapter: adapter, InUse: 0, Capacity: 0})
}

// Acquire attempts to consume one slot for adapter. Returns false without
// blocking if no capacity is registered or all slots are in use.
func (m *Manager) Acquire(adapter string) bool {
	m.mu.Lock()
	st, ok := m.adapters[adapter]
	if !ok || st.inUse >= st.capacity {
		m.mu.Unlock()
		return false
	}
	st.inUse++
	event := AllocationChangeEvent{Adapter: adapter, InUse: st.inUse, Capacity: st.capacity}
	m.mu.Unlock()
	m.publish(event)
	return true
}

// Release returns one slot to adapter's pool. Infallible: releasing a slot
// for an unknown adapter, or over-releasing, is a no-op past zero.
func (m *Manager) Release(adapter string) {
	m.mu.Lock()
	st, ok := m.adapters[adapter]
	if !ok || st.inUse == 0 {
		m.mu.Unlock()
		return
	}
	st.inUse--
	event := AllocationChangeEvent{Adapter: adapter, InUse: st.inUse, Capacity: st.capacity}
	m.mu.Unlock()
	m.publish(event)
}

// Free reports the number of currently-available slots for adapter. Returns
// 0 for an unregistered adapter (treated as "no capacity", matching the
// router's "free == 0 excludes the candidate" scoring rule).
func (m *Manager) Free(adapter string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.adapters[adapter]
	if !ok {
		return 0
	}
	return st.capacity - st.inUse
}

// HasCapacity reports whether the adapter is registered with the slot
// manager at all (as opposed to a local-only scanner with no slot pool).
func (m *Manager) HasCapacity(adapter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.adapters[adapter]
	return ok
}

// Snapshot returns the current capacity/in-use state of every registered
// adapter, for diagnostics and the fabric manager's CurrentAllocations
// query surface.
func (m *Manager) Snapshot() []AllocationChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]AllocationChangeEvent, 0, len(m.adapters))
	for adapter, st := range m.adapters {
		out = append(out, AllocationChangeEvent{Adapter: adapter, InUse: st.inUse, Capacity: st.capacity})
	}
	return out
}

// OnChange registers a callback invoked on every AllocationChangeEvent and
// returns a Disposer that removes exactly this registration.
func (m *Manager) OnChange(cb ChangeCallback) Disposer {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.callbacks[id] = cb
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.callbacks, id)
		m.mu.Unlock()
	}
}

func (m *Manager) publish(event AllocationChangeEvent) {
	m.mu.Lock()
	cbs := make([]ChangeCallback, 0, len(m.callbacks))
	for _, cb := range m.callbacks {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(event)
	}
}
