package statewire

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// the dependent side of the protocol. The replica mirrors primary state and
// forwards dispatches verbatim over its connection. Validation is the
// primary's job; dispatch is fire and forget.
type ReplicaStore struct {
	Store

	conn Conn
}

var _ DispatchStore = (*ReplicaStore)(nil)

func (self *ReplicaStore) Dispatch(action string, args ...any) {
	message, err := EncodeDispatchMessage(action, args)
	if err != nil {
		glog.Infof("[r]dispatch encode error = %s\n", err)
		return
	}
	if err := self.conn.Send(message); err != nil {
		glog.V(2).Infof("[r]dispatch drop = %s\n", err)
	}
}

// Close tears down the connection. The store keeps its last received state
// and simply stops receiving updates.
func (self *ReplicaStore) Close() {
	self.conn.Close()
}

// settles exactly once, on the first initialize push. If no primary is
// listening it never settles; compose a timeout externally via `Await`'s
// context.
type ReplicaFuture struct {
	store *ReplicaStore

	once  sync.Once
	ready chan struct{}
}

// NewReplica opens one connection to the primary under ChannelName and
// returns a future that settles with the enhanced store once the initialize
// push has been applied. Received snapshots replace local state in full.
//
// Callers should await readiness before dispatching. The API does not
// enforce it; a dispatch before the initialize push is delivered subject to
// the transport's own guarantees.
func NewReplica(store Store, connector Connector) (*ReplicaFuture, error) {
	conn, err := connector.Connect(ChannelName)
	if err != nil {
		return nil, err
	}

	replicaStore := &ReplicaStore{
		Store: store,
		conn:  conn,
	}
	future := &ReplicaFuture{
		store: replicaStore,
		ready: make(chan struct{}),
	}

	conn.AddReceiveCallback(FilterMessageType(MessageTypeSetState, func(message []byte) {
		var setState SetStateMessage
		if err := json.Unmarshal(message, &setState); err != nil {
			// bad payload
			return
		}
		// replace, don't merge
		store.SetState(setState.State, true)
		if setState.IsInitialize {
			glog.V(2).Infof("[r]initialize\n")
			future.settle()
		}
	}))

	return future, nil
}

func (self *ReplicaFuture) settle() {
	self.once.Do(func() {
		close(self.ready)
	})
}

// Ready is closed once the initialize push has been applied.
func (self *ReplicaFuture) Ready() <-chan struct{} {
	return self.ready
}

func (self *ReplicaFuture) Await(ctx context.Context) (*ReplicaStore, error) {
	select {
	case <-self.ready:
		return self.store, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
