package statewire

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// websocket realization of the channel contract. One listener serves the
// accept side over an HTTP upgrade endpoint; WsDial opens the connect side.
// The protocol itself never sees websocket details, only Conn.

const WsChannelHeader = "X-Statewire-Channel"
const WsChannelQuery = "channel"
const WsAuthHeader = "X-Statewire-Auth"

type WsSettings struct {
	WsHandshakeTimeout time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int

	// listener side. When set, upgrades require a token in WsAuthHeader
	// that this function accepts.
	AuthVerify func(byJwt string) error
	// dial side. Sent in WsAuthHeader when set.
	ByJwt string
}

func DefaultWsSettings() *WsSettings {
	return &WsSettings{
		WsHandshakeTimeout: 2 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		SendBufferSize:     32,
	}
}

type WsListener struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsSettings

	upgrader websocket.Upgrader

	acceptCallbacks *CallbackList[AcceptFunction]
}

func NewWsListenerWithDefaults(ctx context.Context) *WsListener {
	return NewWsListener(ctx, DefaultWsSettings())
}

func NewWsListener(ctx context.Context, settings *WsSettings) *WsListener {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsListener{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			HandshakeTimeout: settings.WsHandshakeTimeout,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		acceptCallbacks: NewCallbackList[AcceptFunction](),
	}
}

func (self *WsListener) AddAcceptCallback(acceptCallback AcceptFunction) func() {
	callbackId := self.acceptCallbacks.Add(acceptCallback)
	return func() {
		self.acceptCallbacks.Remove(callbackId)
	}
}

func (self *WsListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(WsChannelHeader)
	if name == "" {
		name = r.URL.Query().Get(WsChannelQuery)
	}

	byJwt := r.Header.Get(WsAuthHeader)
	if self.settings.AuthVerify != nil {
		if err := self.settings.AuthVerify(byJwt); err != nil {
			glog.Infof("[l]auth error = %s\n", err)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
	}
	clientTag := name
	if byJwt != "" {
		if parsedByJwt, err := ParseByJwtUnverified(byJwt); err == nil {
			clientTag = parsedByJwt.ClientId.String()
		}
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[l]upgrade error = %s\n", err)
		return
	}

	conn := newWsConn(self.ctx, name, clientTag, ws, self.settings)

	// hand the connection to accept callbacks before the read pump starts,
	// so callbacks attach receive handlers ahead of the first message
	for _, acceptCallback := range self.acceptCallbacks.Get() {
		HandleError(func() {
			acceptCallback(conn)
		})
	}

	conn.run()
}

func (self *WsListener) Close() {
	self.cancel()
}

// WsConnector adapts dialing to the Connector contract.
type WsConnector struct {
	ctx      context.Context
	url      string
	settings *WsSettings
}

func NewWsConnectorWithDefaults(ctx context.Context, url string) *WsConnector {
	return NewWsConnector(ctx, url, DefaultWsSettings())
}

func NewWsConnector(ctx context.Context, url string, settings *WsSettings) *WsConnector {
	return &WsConnector{
		ctx:      ctx,
		url:      url,
		settings: settings,
	}
}

func (self *WsConnector) Connect(name string) (Conn, error) {
	return WsDial(self.ctx, self.url, name, self.settings)
}

func WsDial(ctx context.Context, url string, name string, settings *WsSettings) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Set(WsChannelHeader, name)
	if settings.ByJwt != "" {
		header.Set(WsAuthHeader, settings.ByJwt)
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}

	conn := newWsConn(ctx, name, name, ws, settings)
	conn.run()
	return conn, nil
}

type wsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	name      string
	clientTag string
	ws        *websocket.Conn
	settings  *WsSettings

	send chan []byte

	closeOnce sync.Once

	// serializes delivery with callback attach, and buffers messages that
	// arrive before the first receive callback is attached
	receiveMutex sync.Mutex
	pending      [][]byte

	receiveCallbacks    *CallbackList[ReceiveFunction]
	disconnectCallbacks *CallbackList[DisconnectFunction]
}

func newWsConn(ctx context.Context, name string, clientTag string, ws *websocket.Conn, settings *WsSettings) *wsConn {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &wsConn{
		ctx:                 cancelCtx,
		cancel:              cancel,
		name:                name,
		clientTag:           clientTag,
		ws:                  ws,
		settings:            settings,
		send:                make(chan []byte, settings.SendBufferSize),
		receiveCallbacks:    NewCallbackList[ReceiveFunction](),
		disconnectCallbacks: NewCallbackList[DisconnectFunction](),
	}
}

func (self *wsConn) run() {
	// send
	go func() {
		defer self.close()

		for {
			select {
			case <-self.ctx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}

				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[ws]%s-> error = %s\n", self.clientTag, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", self.clientTag)
			case <-time.After(self.settings.PingTimeout):
				self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	// receive
	go func() {
		defer self.close()

		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := self.ws.ReadMessage()
			if err != nil {
				glog.V(2).Infof("[wr]%s<- error = %s\n", self.clientTag, err)
				return
			}

			switch messageType {
			case websocket.BinaryMessage, websocket.TextMessage:
				if 0 == len(message) {
					// ping
					glog.V(2).Infof("[wr]ping %s<-\n", self.clientTag)
					continue
				}

				glog.V(2).Infof("[wr]%s<-\n", self.clientTag)
				self.dispatchReceive(message)
			default:
				glog.V(2).Infof("[wr]other=%d %s<-\n", messageType, self.clientTag)
			}
		}
	}()
}

func (self *wsConn) Name() string {
	return self.name
}

func (self *wsConn) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return errConnClosed
	case self.send <- message:
		return nil
	}
}

func (self *wsConn) dispatchReceive(message []byte) {
	self.receiveMutex.Lock()
	defer self.receiveMutex.Unlock()

	callbacks := self.receiveCallbacks.Get()
	if len(callbacks) == 0 {
		self.pending = append(self.pending, message)
		return
	}
	for _, receiveCallback := range callbacks {
		HandleError(func() {
			receiveCallback(message)
		})
	}
}

func (self *wsConn) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	self.receiveMutex.Lock()
	defer self.receiveMutex.Unlock()

	callbackId := self.receiveCallbacks.Add(receiveCallback)
	pending := self.pending
	self.pending = nil
	for _, message := range pending {
		HandleError(func() {
			receiveCallback(message)
		})
	}
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *wsConn) AddDisconnectCallback(disconnectCallback DisconnectFunction) func() {
	callbackId := self.disconnectCallbacks.Add(disconnectCallback)
	return func() {
		self.disconnectCallbacks.Remove(callbackId)
	}
}

func (self *wsConn) close() {
	self.closeOnce.Do(func() {
		self.cancel()
		self.ws.Close()
		for _, disconnectCallback := range self.disconnectCallbacks.Get() {
			HandleError(func() {
				disconnectCallback()
			})
		}
	})
}

func (self *wsConn) Close() {
	self.close()
}
