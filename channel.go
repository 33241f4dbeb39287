package statewire

import (
	"errors"
	"sync"

	"github.com/golang/glog"
)

type ReceiveFunction func(message []byte)
type DisconnectFunction func()
type AcceptFunction func(conn Conn)

// a bidirectional channel endpoint. Messages are delivered in send order
// per connection. Disconnect callbacks fire exactly once, terminally.
type Conn interface {
	Name() string
	Send(message []byte) error
	AddReceiveCallback(receiveCallback ReceiveFunction) func()
	AddDisconnectCallback(disconnectCallback DisconnectFunction) func()
	Close()
}

// the accept side of a channel. Accept callbacks see every connection;
// filtering by name is up to the callback.
type Listener interface {
	AddAcceptCallback(acceptCallback AcceptFunction) func()
}

// the connect side of a channel.
type Connector interface {
	Connect(name string) (Conn, error)
}

var errConnClosed = errors.New("Connection closed.")

// in-process channel. Both sides of the pipe share one event goroutine,
// so accept, receive, and disconnect callbacks never run concurrently.
// This mirrors the cooperative event scheduling the protocol assumes.
type Pipe struct {
	mutex  sync.Mutex
	notify *sync.Cond
	events []func()
	closed bool

	acceptCallbacks *CallbackList[AcceptFunction]
}

func NewPipe() *Pipe {
	pipe := &Pipe{
		acceptCallbacks: NewCallbackList[AcceptFunction](),
	}
	pipe.notify = sync.NewCond(&pipe.mutex)
	go pipe.run()
	return pipe
}

func (self *Pipe) run() {
	for {
		var event func()
		func() {
			self.mutex.Lock()
			defer self.mutex.Unlock()
			for len(self.events) == 0 {
				if self.closed {
					return
				}
				self.notify.Wait()
			}
			event = self.events[0]
			self.events = self.events[1:]
		}()
		if event == nil {
			return
		}
		HandleError(event)
	}
}

// the queue is unbounded so that events enqueued from inside an event
// callback (a send during receive handling) cannot deadlock the loop
func (self *Pipe) enqueue(event func()) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.closed {
		return false
	}
	self.events = append(self.events, event)
	self.notify.Signal()
	return true
}

// Flush blocks until the event queue is idle, including events enqueued by
// events that run during the flush (a dispatch delivery enqueues its
// broadcast deliveries).
func (self *Pipe) Flush() {
	for {
		done := make(chan struct{})
		if !self.enqueue(func() {
			close(done)
		}) {
			return
		}
		select {
		case <-done:
		}

		self.mutex.Lock()
		idle := len(self.events) == 0
		self.mutex.Unlock()
		if idle {
			return
		}
	}
}

func (self *Pipe) AddAcceptCallback(acceptCallback AcceptFunction) func() {
	callbackId := self.acceptCallbacks.Add(acceptCallback)
	return func() {
		self.acceptCallbacks.Remove(callbackId)
	}
}

// Connect opens a connection pair under `name`. The local endpoint is
// returned immediately; the remote endpoint is handed to accept callbacks
// on the event goroutine, so callers can attach receive callbacks to the
// local endpoint before the accept side sends anything.
func (self *Pipe) Connect(name string) (Conn, error) {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		return nil, errConnClosed
	}

	local := newPipeConn(self, name)
	remote := newPipeConn(self, name)
	local.remote = remote
	remote.remote = local

	self.enqueue(func() {
		for _, acceptCallback := range self.acceptCallbacks.Get() {
			acceptCallback(remote)
		}
	})
	return local, nil
}

func (self *Pipe) Close() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.closed = true
	self.events = nil
	self.notify.Signal()
}

type pipeConn struct {
	pipe *Pipe
	name string

	remote *pipeConn

	mutex  sync.Mutex
	closed bool

	// serializes delivery with callback attach, and buffers messages that
	// arrive before the first receive callback is attached, so a caller
	// that connects and then subscribes cannot lose the initial push
	receiveMutex sync.Mutex
	pending      [][]byte

	receiveCallbacks    *CallbackList[ReceiveFunction]
	disconnectCallbacks *CallbackList[DisconnectFunction]
}

func newPipeConn(pipe *Pipe, name string) *pipeConn {
	return &pipeConn{
		pipe:                pipe,
		name:                name,
		receiveCallbacks:    NewCallbackList[ReceiveFunction](),
		disconnectCallbacks: NewCallbackList[DisconnectFunction](),
	}
}

func (self *pipeConn) Name() string {
	return self.name
}

func (self *pipeConn) Send(message []byte) error {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		return errConnClosed
	}

	remote := self.remote
	self.pipe.enqueue(func() {
		remote.dispatchReceive(message)
	})
	return nil
}

func (self *pipeConn) dispatchReceive(message []byte) {
	self.mutex.Lock()
	closed := self.closed
	self.mutex.Unlock()
	if closed {
		// disconnected before delivery
		glog.V(2).Infof("[pipe]drop %s<-\n", self.name)
		return
	}

	self.receiveMutex.Lock()
	defer self.receiveMutex.Unlock()

	callbacks := self.receiveCallbacks.Get()
	if len(callbacks) == 0 {
		self.pending = append(self.pending, message)
		return
	}
	for _, receiveCallback := range callbacks {
		receiveCallback(message)
	}
}

func (self *pipeConn) dispatchDisconnect() {
	for _, disconnectCallback := range self.disconnectCallbacks.Get() {
		disconnectCallback()
	}
}

func (self *pipeConn) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	self.receiveMutex.Lock()
	defer self.receiveMutex.Unlock()

	callbackId := self.receiveCallbacks.Add(receiveCallback)
	pending := self.pending
	self.pending = nil
	for _, message := range pending {
		receiveCallback(message)
	}
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *pipeConn) AddDisconnectCallback(disconnectCallback DisconnectFunction) func() {
	callbackId := self.disconnectCallbacks.Add(disconnectCallback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

// Close tears down both endpoints. Sends on either side fail immediately;
// disconnect callbacks for both sides fire once on the event goroutine.
func (self *pipeConn) Close() {
	closeEndpoint := func(endpoint *pipeConn) bool {
		endpoint.mutex.Lock()
		defer endpoint.mutex.Unlock()
		if endpoint.closed {
			return false
		}
		endpoint.closed = true
		return true
	}

	if !closeEndpoint(self) {
		// already closed
		return
	}
	closeEndpoint(self.remote)

	self.pipe.enqueue(func() {
		self.dispatchDisconnect()
		self.remote.dispatchDisconnect()
	})
}
