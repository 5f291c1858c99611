package server

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const connectionBufferSize = 32

// Message is one discrete application-level message on a client channel.
// Wire framing below this level is the transport's concern.
type Message struct {
	Type string `json:"type"`

	// connect / connected
	NodeId      string          `json:"nodeId,omitempty"`
	Subprotocol string          `json:"subprotocol,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	// last `added` the client has seen, for reconnect replay
	Since uint64 `json:"since,omitempty"`

	// sync
	Entries []WireEntry `json:"entries,omitempty"`

	// error / debug
	Err  string `json:"error,omitempty"`
	Note string `json:"note,omitempty"`
}

type WireEntry struct {
	Action Action         `json:"action"`
	Meta   map[string]any `json:"meta"`
}

const (
	MessageConnect   = "connect"
	MessageConnected = "connected"
	MessageSync      = "sync"
	MessagePing      = "ping"
	MessagePong      = "pong"
	MessageError     = "error"
	MessageDebug     = "debug"
)

// Connection is an ordered, reliable duplex message channel to one client.
// Receive is closed when the peer goes away.
type Connection interface {
	Send(message *Message) error
	Receive() <-chan *Message
	RemoteAddress() string
	Close() error
}

type ConnectionSettings struct {
	// Ping is how long the connection may be idle before liveness
	// is tested proactively.
	Ping time.Duration
	// Timeout disconnects a connection with no inbound traffic.
	Timeout      time.Duration
	WriteTimeout time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		Ping:         10 * time.Second,
		Timeout:      20 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

type wsConnection struct {
	ws       *websocket.Conn
	settings *ConnectionSettings

	sendMutex sync.Mutex
	receive   chan *Message

	closeOnce sync.Once
}

// NewWebSocketConnection wraps an accepted websocket into a message
// channel. Liveness uses websocket ping frames, the session layer never
// sees them.
func NewWebSocketConnection(ws *websocket.Conn, settings *ConnectionSettings) Connection {
	connection := &wsConnection{
		ws:       ws,
		settings: settings,
		receive:  make(chan *Message, connectionBufferSize),
	}
	ws.SetReadDeadline(time.Now().Add(settings.Timeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(settings.Timeout))
	})
	go connection.readLoop()
	go connection.pingLoop()
	return connection
}

func (self *wsConnection) readLoop() {
	defer close(self.receive)
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.Timeout))
		_, data, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(2).Infof("[ws]%s<- closed = %s\n", self.RemoteAddress(), err)
			return
		}
		message := &Message{}
		if err := json.Unmarshal(data, message); err != nil {
			glog.Infof("[ws]%s<- bad message = %s\n", self.RemoteAddress(), err)
			continue
		}
		self.receive <- message
	}
}

func (self *wsConnection) pingLoop() {
	ticker := time.NewTicker(self.settings.Ping)
	defer ticker.Stop()
	for range ticker.C {
		self.sendMutex.Lock()
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
		err := self.ws.WriteMessage(websocket.PingMessage, nil)
		self.sendMutex.Unlock()
		if err != nil {
			return
		}
	}
}

func (self *wsConnection) Send(message *Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.TextMessage, data)
}

func (self *wsConnection) Receive() <-chan *Message {
	return self.receive
}

func (self *wsConnection) RemoteAddress() string {
	return self.ws.RemoteAddr().String()
}

func (self *wsConnection) Close() error {
	var err error
	self.closeOnce.Do(func() {
		err = self.ws.Close()
	})
	return err
}

// pipeConnection is an in-memory Connection for tests and local clients.
// Both ends share one mutex so a close from either side is atomic.
type pipeConnection struct {
	remoteAddress string

	mutex   *sync.Mutex
	closed  *bool
	peer    *pipeConnection
	receive chan *Message
}

// Pipe returns two connected in-memory connection ends.
func Pipe() (Connection, Connection) {
	return PipeAddress("127.0.0.1")
}

func PipeAddress(remoteAddress string) (Connection, Connection) {
	mutex := &sync.Mutex{}
	closed := false
	a := &pipeConnection{
		remoteAddress: remoteAddress,
		mutex:         mutex,
		closed:        &closed,
		receive:       make(chan *Message, connectionBufferSize),
	}
	b := &pipeConnection{
		remoteAddress: remoteAddress,
		mutex:         mutex,
		closed:        &closed,
		receive:       make(chan *Message, connectionBufferSize),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *pipeConnection) Send(message *Message) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if *self.closed {
		return errors.New("connection closed")
	}
	self.peer.receive <- message
	return nil
}

func (self *pipeConnection) Receive() <-chan *Message {
	return self.receive
}

func (self *pipeConnection) RemoteAddress() string {
	return self.remoteAddress
}

func (self *pipeConnection) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if !*self.closed {
		*self.closed = true
		close(self.receive)
		close(self.peer.receive)
	}
	return nil
}
