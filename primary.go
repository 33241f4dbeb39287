package statewire

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// the authoritative side of the protocol. One primary per channel;
// concurrent primaries on the same channel are unspecified.
//
// NewPrimary subscribes to the store and pushes the full snapshot to every
// tracked connection on each change, accepts connections matching
// ChannelName from the listener, and routes dispatch messages through the
// action table. The returned store is the given store plus `Dispatch`,
// immediately usable.
type PrimaryStore struct {
	Store

	actions ActionTable

	// guards the tracked connections, and sequences the initialize push
	// against broadcasts so no broadcast can precede a connection's
	// initialize push
	stateLock sync.Mutex
	conns     []*primaryConn

	// serializes dispatches. Each connection delivers receive callbacks on
	// its own goroutine, so concurrent dispatches would otherwise
	// interleave the read-patch-write sequence and lose updates.
	routeLock sync.Mutex

	removeAcceptCallback func()
	unsubscribe          func()
}

var _ DispatchStore = (*PrimaryStore)(nil)

type primaryConn struct {
	connId Id
	conn   Conn

	removeReceiveCallback func()
}

func NewPrimary(store Store, actions ActionTable, listener Listener) *PrimaryStore {
	if actions == nil {
		actions = ActionTable{}
	}
	primary := &PrimaryStore{
		Store:   store,
		actions: actions,
	}
	primary.unsubscribe = store.Subscribe(primary.broadcast)
	primary.removeAcceptCallback = listener.AddAcceptCallback(primary.accept)
	return primary
}

func (self *PrimaryStore) accept(conn Conn) {
	if conn.Name() != ChannelName {
		// unrelated channel traffic, leave the connection alone
		return
	}

	connId := NewId()
	primaryConn := &primaryConn{
		connId: connId,
		conn:   conn,
	}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		// initialize push precedes tracking, so a concurrent broadcast can
		// never reach this connection first
		self.push(conn, self.GetState(), true)
		self.conns = append(self.conns, primaryConn)
	}()

	// attached outside the lock. Messages that arrive before the receive
	// callback is attached are buffered by the connection.
	primaryConn.removeReceiveCallback = conn.AddReceiveCallback(
		FilterMessageType(MessageTypeDispatch, self.receiveDispatch),
	)
	// one shot. The disconnect callback is the single removal path.
	conn.AddDisconnectCallback(func() {
		self.remove(connId)
	})

	glog.V(2).Infof("[p]accept %s\n", connId)
}

func (self *PrimaryStore) remove(connId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for i, primaryConn := range self.conns {
		if primaryConn.connId == connId {
			if primaryConn.removeReceiveCallback != nil {
				primaryConn.removeReceiveCallback()
			}
			self.conns = append(self.conns[0:i], self.conns[i+1:]...)
			glog.V(2).Infof("[p]remove %s\n", connId)
			return
		}
	}
	// already removed
}

// broadcast pushes the snapshot to tracked connections in accept order
func (self *PrimaryStore) broadcast(state State) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, primaryConn := range self.conns {
		self.push(primaryConn.conn, state, false)
	}
}

func (self *PrimaryStore) push(conn Conn, state State, isInitialize bool) {
	message, err := EncodeSetStateMessage(state, isInitialize)
	if err != nil {
		glog.Infof("[p]push encode error = %s\n", err)
		return
	}
	if err := conn.Send(message); err != nil {
		// the connection is gone. Removal happens on its disconnect callback.
		glog.V(2).Infof("[p]push drop = %s\n", err)
	}
}

// ReceiveFunction, narrowed to dispatch messages
func (self *PrimaryStore) receiveDispatch(message []byte) {
	var dispatch DispatchMessage
	if err := json.Unmarshal(message, &dispatch); err != nil {
		// bad payload
		return
	}
	self.route(dispatch.Action, dispatch.Args)
}

// route applies a named action to the current state. A remote dispatch and
// the primary's own `Dispatch` are indistinguishable here. Unknown actions
// are no-ops, not errors.
func (self *PrimaryStore) route(action string, args []any) {
	fn, ok := self.actions[action]
	if !ok {
		glog.V(2).Infof("[p]drop action %s\n", action)
		return
	}
	self.routeLock.Lock()
	defer self.routeLock.Unlock()
	var patch State
	HandleError(func() {
		patch = fn(self.GetState(), args...)
	})
	if patch != nil {
		self.SetState(patch, false)
	}
}

func (self *PrimaryStore) Dispatch(action string, args ...any) {
	self.route(action, args)
}

func (self *PrimaryStore) ConnectionCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns)
}

func (self *PrimaryStore) ConnectionIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	connIds := make([]Id, len(self.conns))
	for i, primaryConn := range self.conns {
		connIds[i] = primaryConn.connId
	}
	return connIds
}

// Close detaches from the listener and the store and closes all tracked
// connections. The underlying store keeps working.
func (self *PrimaryStore) Close() {
	self.removeAcceptCallback()
	self.unsubscribe()

	conns := func() []*primaryConn {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		conns := self.conns
		self.conns = nil
		return conns
	}()
	for _, primaryConn := range conns {
		if primaryConn.removeReceiveCallback != nil {
			primaryConn.removeReceiveCallback()
		}
		primaryConn.conn.Close()
	}
}
