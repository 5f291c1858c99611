package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/glog"
)

const sendQueueSize = 64

// Client is one connected session. It owns the authentication outcome,
// the session identity and the per-session ordered outbound queue.
// Lifecycle: created on transport accept, authenticated, active, destroyed.
type Client struct {
	server     *Server
	connection Connection
	key        string

	ctx    context.Context
	cancel context.CancelFunc

	mutex             sync.Mutex
	nodeId            string
	clientId          string
	userId            string
	remoteSubprotocol string
	authenticated     bool
	destroyed         bool
	zombie            bool

	sendQueue chan *Message
}

func newClient(server *Server, connection Connection, key string) *Client {
	cancelCtx, cancel := context.WithCancel(server.ctx)
	client := &Client{
		server:     server,
		connection: connection,
		key:        key,
		ctx:        cancelCtx,
		cancel:     cancel,
		sendQueue:  make(chan *Message, sendQueueSize),
	}
	go client.run()
	go client.writeLoop()
	return client
}

func (self *Client) Key() string {
	return self.key
}

func (self *Client) NodeId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.nodeId
}

func (self *Client) ClientId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clientId
}

func (self *Client) UserId() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.userId
}

func (self *Client) RemoteSubprotocol() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.remoteSubprotocol
}

func (self *Client) Authenticated() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.authenticated
}

// Zombie reports whether the session was evicted by a newer session with
// the same client id. Evicted sessions are torn down without a
// disconnected notification, the logical client never left.
func (self *Client) Zombie() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.zombie
}

func (self *Client) RemoteAddress() string {
	return self.connection.RemoteAddress()
}

func (self *Client) run() {
	defer self.Destroy()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-self.connection.Receive():
			if !ok {
				return
			}
			self.handleMessage(message)
		}
	}
}

func (self *Client) writeLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.sendQueue:
			if err := self.connection.Send(message); err != nil {
				glog.V(2).Infof("[cl]%s-> error = %s\n", self.key, err)
				self.Destroy()
				return
			}
		}
	}
}

// send enqueues one outbound message. Per-destination commit order is
// preserved by the single ordered queue.
func (self *Client) send(message *Message) {
	select {
	case <-self.ctx.Done():
	case self.sendQueue <- message:
	}
}

// SendEntry delivers a committed action with client-safe meta.
func (self *Client) SendEntry(action Action, meta *Meta) {
	self.send(&Message{
		Type: MessageSync,
		Entries: []WireEntry{
			{Action: action, Meta: FilterMeta(meta)},
		},
	})
}

func (self *Client) sendError(err string) {
	self.send(&Message{Type: MessageError, Err: err})
}

func (self *Client) sendDebug(note string) {
	self.send(&Message{Type: MessageDebug, Note: note})
}

func (self *Client) handleMessage(message *Message) {
	switch message.Type {
	case MessageConnect:
		self.handleConnect(message)
	case MessageSync:
		self.handleSync(message)
	case MessagePing:
		self.send(&Message{Type: MessagePong})
	case MessagePong:
		// liveness only
	default:
		glog.V(2).Infof("[cl]%s<- unknown message type %s\n", self.key, message.Type)
	}
}

func (self *Client) handleConnect(message *Message) {
	if self.Authenticated() {
		self.sendError("already authenticated")
		return
	}

	remote, err := semver.NewVersion(message.Subprotocol)
	if err != nil || !self.server.supports.Check(remote) {
		glog.Infof("[cl]%s wrong subprotocol %q, supported %q\n",
			self.key, message.Subprotocol, self.server.options.Supports)
		self.sendError("wrong-subprotocol")
		self.Destroy()
		return
	}

	nodeId := message.NodeId
	userId, clientId := parseNodeId(nodeId)
	self.mutex.Lock()
	self.nodeId = nodeId
	self.clientId = clientId
	self.userId = userId
	self.remoteSubprotocol = message.Subprotocol
	self.mutex.Unlock()

	// the server identity is never a valid client identity
	if nodeId == "server" || userId == "server" {
		glog.Infof("[cl]%s unauthenticated node id %s\n", self.key, nodeId)
		self.sendError("wrong-credentials")
		self.Destroy()
		return
	}

	if self.server.bruteforce.IsLocked(self.RemoteAddress()) {
		self.sendError("bruteforce")
		self.Destroy()
		return
	}

	start := time.Now()
	ok := false
	authErr := safeCall(func() error {
		result, err := self.server.authenticator(userId, message.Credentials, self)
		ok = result
		return err
	})
	if authErr != nil {
		self.server.emitError(authErr, nil, nil)
		self.sendError("wrong-credentials")
		self.Destroy()
		return
	}
	if !ok {
		glog.Infof("[cl]%s unauthenticated %s\n", self.key, nodeId)
		self.server.bruteforce.Remember(self.RemoteAddress())
		self.sendError("wrong-credentials")
		self.Destroy()
		return
	}

	// last authenticated session with this client id wins
	if zombie := self.server.router.Register(self); zombie != nil && zombie != self {
		zombie.mutex.Lock()
		zombie.zombie = true
		zombie.mutex.Unlock()
		glog.Infof("[cl]zombie %s\n", zombie.NodeId())
		zombie.Destroy()
	}
	self.mutex.Lock()
	self.authenticated = true
	self.mutex.Unlock()

	self.send(&Message{
		Type:        MessageConnected,
		NodeId:      self.server.nodeId,
		Subprotocol: self.server.options.Subprotocol,
	})
	glog.V(1).Infof("[cl]authenticated %s\n", nodeId)
	for _, callback := range self.server.authenticatedCallbacks.Get() {
		callback(self, time.Since(start))
	}

	if 0 < message.Since {
		self.syncSince(message.Since)
	}
}

// syncSince replays committed actions targeted at this session past the
// client's cursor, oldest first. Live pushes missed while offline are
// recovered here.
func (self *Client) syncSince(added uint64) {
	entries := []WireEntry{}
	self.server.log.Each(func(action Action, meta *Meta) bool {
		if meta.Added <= added {
			return false
		}
		if hasString(meta.NodeIds, self.NodeId()) ||
			hasString(meta.Clients, self.ClientId()) ||
			hasString(meta.Users, self.UserId()) {
			entries = append(entries, WireEntry{Action: action, Meta: FilterMeta(meta)})
		}
		return true
	})
	if len(entries) == 0 {
		return
	}
	// the log visits newest first
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	self.send(&Message{Type: MessageSync, Entries: entries})
}

func (self *Client) handleSync(message *Message) {
	if !self.Authenticated() {
		self.sendError("missing authentication")
		return
	}
	for _, entry := range message.Entries {
		self.receiveEntry(entry)
	}
}

// receiveEntry validates one inbound action against the trust boundary
// before it may reach the log: only allow-listed meta keys may cross, and
// the claimed origin must match the authenticated client id.
func (self *Client) receiveEntry(entry WireEntry) {
	meta, err := parseRemoteMeta(entry.Meta)
	if err != nil {
		self.server.emitClientError(err, self)
		self.sendError(err.Error())
		return
	}
	if meta.Id.IsZero() {
		err := fmt.Errorf("action from %s is missing an id", self.NodeId())
		self.server.emitClientError(err, self)
		self.sendError(err.Error())
		return
	}

	_, originClientId := parseNodeId(meta.Id.NodeId)
	if originClientId != self.ClientId() {
		err := fmt.Errorf("action %s does not match the authenticated client %s",
			meta.Id, self.ClientId())
		self.server.emitClientError(err, self)
		self.denyBack(&meta)
		return
	}

	if meta.Subprotocol == "" {
		meta.Subprotocol = self.RemoteSubprotocol()
	}

	if _, err := self.server.log.Add(entry.Action, meta); err != nil {
		self.server.emitClientError(err, self)
		self.sendError(err.Error())
	}
}

// denyBack commits a compensating undo routed back to this client only.
func (self *Client) denyBack(meta *Meta) {
	glog.V(1).Infof("[cl]denied %s\n", meta.Id)
	action, undoMeta := buildUndo(meta, "denied")
	undoMeta.Clients = append(undoMeta.Clients, self.ClientId())
	self.server.log.Add(action, undoMeta)
	self.server.debugActionError(meta, fmt.Sprintf("Action %q was denied", meta.Id))
}

// Destroy tears the session down: unregisters it from every routing
// table, cancels pending timers and closes the transport. In-flight
// actions keep following the pipeline from whatever state they reached.
func (self *Client) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	wasAuthenticated := self.authenticated
	self.mutex.Unlock()

	self.cancel()
	if wasAuthenticated {
		self.server.router.Unregister(self)
	}
	self.connection.Close()
	self.server.removeClient(self)
}
