package statewire

import (
	"sync"

	"golang.org/x/exp/maps"
)

// full state snapshot. Pushes always carry the complete snapshot, never a diff.
type State = map[string]any

// the externally supplied state container. `SetState` with replace false
// merges the given state into the current state as a patch; with replace
// true it overwrites the full snapshot. Both are atomic with respect to
// `GetState` and listener notification.
type Store interface {
	GetState() State
	SetState(state State, replace bool)
	Subscribe(listener StateFunction) func()
}

type StateFunction func(state State)

// a pure transform from current state and call arguments to a state patch.
// A nil patch means no change. Args arrive JSON-decoded, so numbers are float64.
type Action func(state State, args ...any) State

// string-keyed registry of actions owned by the primary. Read-only after
// primary activation. Never transmitted.
type ActionTable map[string]Action

// a store augmented with remote-routable dispatch. All capabilities of the
// original store pass through unchanged.
type DispatchStore interface {
	Store
	Dispatch(action string, args ...any)
}

// Bind binds a state transform to a store so that invoking the returned
// function applies `fn(currentState, args...)` as a patch.
func Bind(store Store, fn Action) func(args ...any) {
	return func(args ...any) {
		patch := fn(store.GetState(), args...)
		if patch != nil {
			store.SetState(patch, false)
		}
	}
}

// reference in-memory state container. The protocol depends only on `Store`;
// this exists for callers that do not bring their own container.
type MemoryStore struct {
	// held across mutation and notification so listeners observe snapshots
	// in mutation order. A listener must not call `SetState` on the same
	// store.
	notifyLock sync.Mutex

	mutex     sync.Mutex
	state     State
	listeners *CallbackList[StateFunction]
}

func NewMemoryStore(initialState State) *MemoryStore {
	if initialState == nil {
		initialState = State{}
	}
	return &MemoryStore{
		state:     maps.Clone(initialState),
		listeners: NewCallbackList[StateFunction](),
	}
}

func (self *MemoryStore) GetState() State {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.state)
}

func (self *MemoryStore) SetState(state State, replace bool) {
	self.notifyLock.Lock()
	defer self.notifyLock.Unlock()

	var nextState State
	func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()

		if replace {
			nextState = maps.Clone(state)
		} else {
			nextState = maps.Clone(self.state)
			for key, value := range state {
				nextState[key] = value
			}
		}
		if nextState == nil {
			nextState = State{}
		}
		self.state = nextState
	}()

	for _, listener := range self.listeners.Get() {
		HandleError(func() {
			listener(maps.Clone(nextState))
		})
	}
}

func (self *MemoryStore) Subscribe(listener StateFunction) func() {
	listenerId := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(listenerId)
	}
}
