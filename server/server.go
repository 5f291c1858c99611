package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Options configure one server instance. Subprotocol and Supports
// are required.
type Options struct {
	// Subprotocol is the server application subprotocol version, SemVer.
	Subprotocol string
	// Supports is the SemVer range of accepted client subprotocols.
	Supports string

	// ServerId overrides the random node id suffix.
	ServerId string
	// Env is "development" or "production". Development sends debug
	// details to clients.
	Env string

	Host string
	Port int

	// Ping is how often idle connections are tested for liveness.
	Ping time.Duration
	// Timeout disconnects connections with no inbound traffic.
	Timeout time.Duration

	// Backend delegates unknown types and channels to an external HTTP
	// collaborator. BackendPassword is required with Backend.
	Backend         string
	BackendPassword string

	// Control enables the operator HTTP listener when ControlSecret
	// is set.
	ControlSecret string
	// ControlMask is a CIDR allowlist for control request sources.
	ControlMask string
	ControlHost string
	ControlPort int

	// Log overrides the default in-memory action log.
	Log Log
}

func (self *Options) validate() error {
	if self.Subprotocol == "" {
		return errors.New("missed `Subprotocol` option in server constructor")
	}
	if self.Supports == "" {
		return errors.New("missed `Supports` option in server constructor")
	}
	if self.Backend != "" && self.BackendPassword == "" {
		return errors.New("`BackendPassword` option is required with `Backend`")
	}
	if self.Host == "" {
		self.Host = "127.0.0.1"
	}
	if self.Port == 0 {
		self.Port = 31337
	}
	if self.Env == "" {
		self.Env = "development"
	}
	if self.Ping == 0 {
		self.Ping = 10 * time.Second
	}
	if self.Timeout == 0 {
		self.Timeout = 20 * time.Second
	}
	return nil
}

// Server coordinates the action log: it validates and authorizes incoming
// actions, commits them, fans them out to subscribed sessions, runs
// business logic and undoes failed actions with compensating actions.
type Server struct {
	options *Options
	nodeId  string

	log        Log
	registry   *registry
	router     *Router
	bruteforce *bruteforceTracker
	supports   *semver.Constraints

	authenticator Authenticator

	ctx    context.Context
	cancel context.CancelFunc

	mutex         sync.Mutex
	connected     map[string]*Client
	lastClientKey int
	destroying    bool

	processing sync.WaitGroup

	backend *BackendProxy

	unbind []func()

	connectedCallbacks     *CallbackList[func(*Client)]
	disconnectedCallbacks  *CallbackList[func(*Client)]
	authenticatedCallbacks *CallbackList[func(*Client, time.Duration)]
	processedCallbacks     *CallbackList[func(Action, *Meta, time.Duration)]
	subscribedCallbacks    *CallbackList[func(Action, *Meta, time.Duration)]
	unsubscribedCallbacks  *CallbackList[func(Action, *Meta)]
	errorCallbacks         *CallbackList[func(error, Action, *Meta)]
	clientErrorCallbacks   *CallbackList[func(error, *Client)]
}

func NewServer(options *Options) (*Server, error) {
	if options == nil {
		options = &Options{}
	}
	if err := options.validate(); err != nil {
		return nil, err
	}

	supports, err := semver.NewConstraint(options.Supports)
	if err != nil {
		return nil, fmt.Errorf("cannot parse `Supports` range %q: %w", options.Supports, err)
	}

	serverId := options.ServerId
	if serverId == "" {
		serverId = ulid.Make().String()
	}
	nodeId := "server:" + serverId

	cancelCtx, cancel := context.WithCancel(context.Background())
	server := &Server{
		options:    options,
		nodeId:     nodeId,
		registry:   newRegistry(),
		router:     NewRouter(),
		bruteforce: newBruteforceTracker(),
		supports:   supports,
		ctx:        cancelCtx,
		cancel:     cancel,
		connected:  map[string]*Client{},

		connectedCallbacks:     NewCallbackList[func(*Client)](),
		disconnectedCallbacks:  NewCallbackList[func(*Client)](),
		authenticatedCallbacks: NewCallbackList[func(*Client, time.Duration)](),
		processedCallbacks:     NewCallbackList[func(Action, *Meta, time.Duration)](),
		subscribedCallbacks:    NewCallbackList[func(Action, *Meta, time.Duration)](),
		unsubscribedCallbacks:  NewCallbackList[func(Action, *Meta)](),
		errorCallbacks:         NewCallbackList[func(error, Action, *Meta)](),
		clientErrorCallbacks:   NewCallbackList[func(error, *Client)](),
	}

	server.log = options.Log
	if server.log == nil {
		server.log = NewMemoryLog(nodeId)
	}
	server.unbind = append(server.unbind,
		server.log.OnPreadd(server.onPreadd),
		server.log.OnAdd(server.onAdd),
		server.log.OnClean(func(action Action, meta *Meta) {
			glog.V(2).Infof("[srv]clean %s\n", meta.Id)
		}),
	)

	if options.Backend != "" {
		backend, err := newBackendProxy(server, options.Backend, options.BackendPassword)
		if err != nil {
			return nil, err
		}
		server.backend = backend
	}

	return server, nil
}

func (self *Server) NodeId() string {
	return self.nodeId
}

func (self *Server) Log() Log {
	return self.log
}

func (self *Server) Options() *Options {
	return self.options
}

// Auth sets the authentication callback. It must be set before Listen.
func (self *Server) Auth(authenticator Authenticator) {
	self.authenticator = authenticator
}

// Type defines the callbacks for one action type. Duplicate definition
// is a startup configuration error.
func (self *Server) Type(name string, handler TypeHandler) {
	self.registry.registerType(name, handler)
}

// OtherType defines the catch-all handler for unknown action types.
func (self *Server) OtherType(handler TypeHandler) {
	self.registry.registerOtherType(handler)
}

// Channel defines the callbacks for a channel name pattern like "user/:id".
func (self *Server) Channel(pattern string, handler ChannelHandler) {
	self.registry.registerChannel(pattern, handler)
}

// ChannelRegexp defines a channel by regular expression. Named groups
// become pattern parameters.
func (self *Server) ChannelRegexp(pattern *regexp.Regexp, handler ChannelHandler) {
	self.registry.registerChannelRegexp(pattern, handler)
}

// OtherChannel defines the catch-all handler for unmatched channels.
func (self *Server) OtherChannel(handler ChannelHandler) {
	self.registry.registerOtherChannel(handler)
}

func (self *Server) OnConnected(callback func(*Client)) func() {
	return self.connectedCallbacks.Add(callback)
}

func (self *Server) OnDisconnected(callback func(*Client)) func() {
	return self.disconnectedCallbacks.Add(callback)
}

func (self *Server) OnAuthenticated(callback func(*Client, time.Duration)) func() {
	return self.authenticatedCallbacks.Add(callback)
}

func (self *Server) OnProcessed(callback func(Action, *Meta, time.Duration)) func() {
	return self.processedCallbacks.Add(callback)
}

func (self *Server) OnSubscribed(callback func(Action, *Meta, time.Duration)) func() {
	return self.subscribedCallbacks.Add(callback)
}

func (self *Server) OnUnsubscribed(callback func(Action, *Meta)) func() {
	return self.unsubscribedCallbacks.Add(callback)
}

func (self *Server) OnError(callback func(error, Action, *Meta)) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *Server) OnClientError(callback func(error, *Client)) func() {
	return self.clientErrorCallbacks.Add(callback)
}

func (self *Server) emitError(err error, action Action, meta *Meta) {
	if meta != nil {
		glog.Infof("[srv]error %s = %s\n", meta.Id, err)
	} else {
		glog.Infof("[srv]error = %s\n", err)
	}
	for _, callback := range self.errorCallbacks.Get() {
		callback(err, action, meta)
	}
}

func (self *Server) emitClientError(err error, client *Client) {
	glog.Infof("[srv]client error %s = %s\n", client.Key(), err)
	for _, callback := range self.clientErrorCallbacks.Get() {
		callback(err, client)
	}
}

// onPreadd stamps server-owned meta before commit: the admitting server
// id, the waiting status for trackable actions, and for actions created
// by this server with no registered handler, immediate completion.
func (self *Server) onPreadd(action Action, meta *Meta) {
	isControl := action.IsControl()
	if meta.Server == "" {
		meta.Server = self.nodeId
	}
	if meta.Status == "" && !isControl {
		meta.Status = StatusWaiting
	}
	if meta.Id.NodeId == self.nodeId {
		if meta.Subprotocol == "" {
			meta.Subprotocol = self.options.Subprotocol
		}
		if !isControl && self.registry.typeHandler(action.Type()) == nil {
			meta.Status = StatusProcessed
		}
	}
	if !isControl {
		if handler := self.registry.typeHandler(action.Type()); handler != nil && handler.Resend != nil {
			self.applyResend(handler, action, meta)
		}
	}
}

// applyResend collects the type's extra routing keys before commit, for
// every origin: client sessions, this server and backend callbacks. It runs
// inside the commit path, a resend callback must not add new actions.
func (self *Server) applyResend(handler *TypeHandler, action Action, meta *Meta) {
	ctx := self.createContext(meta)
	var resend Resend
	err := safeCall(func() error {
		r, err := handler.Resend(ctx, action, meta)
		resend = r
		return err
	})
	if err != nil {
		glog.Infof("[srv]resend error %s = %s\n", meta.Id, err)
		return
	}
	meta.NodeIds = append(meta.NodeIds, resend.NodeIds...)
	meta.Clients = append(meta.Clients, resend.Clients...)
	meta.Users = append(meta.Users, resend.Users...)
	meta.Channels = append(meta.Channels, resend.Channels...)
}

// onAdd is the pipeline entry for every committed action: subscription
// control actions take their own path, everything else is fanned out and,
// when trackable, authorized and processed.
func (self *Server) onAdd(action Action, meta *Meta) {
	glog.V(1).Infof("[srv]add %s %s\n", action.Type(), meta.Id)

	self.mutex.Lock()
	destroying := self.destroying
	self.mutex.Unlock()
	if destroying {
		return
	}

	switch action.Type() {
	case SubscribeType:
		if meta.Server == self.nodeId {
			self.subscribeAction(action, meta)
		}
		return
	case UnsubscribeType:
		if meta.Server == self.nodeId {
			self.unsubscribeAction(action, meta)
		}
		return
	}

	self.sendAction(action, meta)

	if meta.Status == StatusWaiting {
		handler := self.registry.typeHandler(action.Type())
		if handler == nil {
			self.unknownType(action, meta)
			return
		}
		ctx := self.createContext(meta)
		if !self.startProcessing() {
			return
		}
		go func() {
			defer self.processing.Done()
			self.performAction(handler, ctx, action, meta)
		}()
	}
}

// startProcessing reserves a slot on the in-flight counter unless the
// server is shutting down. The check and the reservation are one critical
// section, so Destroy never resolves while a reserved handler runs.
func (self *Server) startProcessing() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.destroying {
		return false
	}
	self.processing.Add(1)
	return true
}

// sendAction fans a committed action out to every live destination its
// routing keys resolve to. Offline destinations are skipped silently.
func (self *Server) sendAction(action Action, meta *Meta) {
	if len(meta.NodeIds) == 0 && len(meta.Clients) == 0 &&
		len(meta.Users) == 0 && len(meta.Channels) == 0 {
		return
	}
	ctx := self.createContext(meta)
	for _, client := range self.router.Route(action, meta, ctx) {
		client.SendEntry(action, meta)
	}
}

func (self *Server) performAction(handler *TypeHandler, ctx Context, action Action, meta *Meta) {
	start := time.Now()

	allowed := false
	err := safeCall(func() error {
		result, err := handler.Access(ctx, action, meta)
		allowed = result
		return err
	})
	if err != nil {
		self.log.ChangeMeta(meta.Id, MetaPatch{Status: StatusError})
		self.Undo(meta, "error")
		self.emitError(err, action, meta)
		return
	}
	if !allowed {
		self.denyAction(meta)
		return
	}

	if handler.Process != nil {
		err := safeCall(func() error {
			return handler.Process(ctx, action, meta)
		})
		if err != nil {
			self.log.ChangeMeta(meta.Id, MetaPatch{Status: StatusError})
			self.Undo(meta, "error")
			self.emitError(err, action, meta)
			return
		}
	}

	latency := time.Since(start)
	glog.V(1).Infof("[srv]processed %s in %s\n", meta.Id, latency)
	self.markProcessed(meta)
	for _, callback := range self.processedCallbacks.Get() {
		callback(action, meta, latency)
	}
}

// markProcessed finishes an action's client-facing lifecycle and, for
// remotely created actions, acknowledges completion to the origin.
func (self *Server) markProcessed(meta *Meta) {
	self.log.ChangeMeta(meta.Id, MetaPatch{Status: StatusProcessed})
	if meta.Id.NodeId == self.nodeId {
		return
	}
	_, originClientId := parseNodeId(meta.Id.NodeId)
	self.log.Add(
		Action{"type": ProcessedType, "id": meta.Id},
		Meta{Status: StatusProcessed, Clients: []string{originClientId}},
	)
}

// buildUndo makes the compensating action for a failed or denied action.
// The undo inherits the routing keys of the original so every party that
// saw the optimistic action learns it did not take effect, and targets
// at least the origin node.
func buildUndo(meta *Meta, reason string) (Action, Meta) {
	undoMeta := Meta{Status: StatusProcessed}
	undoMeta.Users = append(undoMeta.Users, meta.Users...)
	undoMeta.Reasons = append(undoMeta.Reasons, meta.Reasons...)
	undoMeta.Channels = append(undoMeta.Channels, meta.Channels...)
	undoMeta.Clients = append(undoMeta.Clients, meta.Clients...)
	undoMeta.NodeIds = append([]string{meta.Id.NodeId}, meta.NodeIds...)
	action := Action{"type": UndoType, "id": meta.Id, "reason": reason}
	return action, undoMeta
}

// Undo commits a compensating action for a previously committed action.
func (self *Server) Undo(meta *Meta, reason string) error {
	action, undoMeta := buildUndo(meta, reason)
	_, err := self.log.Add(action, undoMeta)
	return err
}

// Process commits an action on this server's behalf. The action runs the
// same pipeline as remote submissions: resend keys, fan-out and, when a
// handler is registered for its type, access check and processing.
func (self *Server) Process(action Action, meta Meta) (*Meta, error) {
	return self.log.Add(action, meta)
}

func (self *Server) denyAction(meta *Meta) {
	glog.V(1).Infof("[srv]denied %s\n", meta.Id)
	self.Undo(meta, "denied")
	self.debugActionError(meta, fmt.Sprintf("Action %q was denied", meta.Id))
}

// unknownType reports deployment or version skew. Actions created by this
// server cannot be meaningfully undone against itself and only get a
// debug notice.
func (self *Server) unknownType(action Action, meta *Meta) {
	self.log.ChangeMeta(meta.Id, MetaPatch{Status: StatusError})
	glog.Infof("[srv]unknown type %s %s\n", action.Type(), meta.Id)
	ctx := self.createContext(meta)
	if !ctx.IsServer() {
		self.Undo(meta, "error")
	}
	self.debugActionError(meta, fmt.Sprintf("Action with unknown type %s", action.Type()))
}

func (self *Server) wrongChannel(action Action, meta *Meta) {
	channel, _ := action.Channel()
	glog.Infof("[srv]wrong channel %v %s\n", channel, meta.Id)
	self.Undo(meta, "error")
	self.debugActionError(meta, fmt.Sprintf("Wrong channel name %v", channel))
}

// subscribeAction runs the subscription sub-pipeline: match the channel
// definition, check access, register the subscription, then load the
// initial state. A failed initializer rolls the subscription back, it
// must not leave an orphan.
func (self *Server) subscribeAction(action Action, meta *Meta) {
	channel, ok := action.Channel()
	if !ok {
		self.wrongChannel(action, meta)
		return
	}

	handler, params := self.registry.channelHandler(channel)
	if handler == nil {
		self.wrongChannel(action, meta)
		return
	}

	ctx := self.createContext(meta)
	if !self.startProcessing() {
		return
	}
	go func() {
		defer self.processing.Done()
		start := time.Now()

		allowed := false
		err := safeCall(func() error {
			result, err := handler.Access(ctx, params, action, meta)
			allowed = result
			return err
		})
		if err != nil {
			self.Undo(meta, "error")
			self.emitError(err, action, meta)
			return
		}
		if !allowed {
			self.denyAction(meta)
			return
		}

		var filter FilterFunc
		if handler.Filter != nil {
			err := safeCall(func() error {
				f, err := handler.Filter(ctx, params, action, meta)
				filter = f
				return err
			})
			if err != nil {
				self.Undo(meta, "error")
				self.emitError(err, action, meta)
				return
			}
		}

		if !self.router.SubscribeIfLive(channel, ctx.NodeId, filter) {
			// subscriber disconnected while access was checked
			return
		}

		if handler.Init != nil {
			err := safeCall(func() error {
				return handler.Init(ctx, params, action, meta)
			})
			if err != nil {
				self.router.Unsubscribe(channel, ctx.NodeId)
				self.Undo(meta, "error")
				self.emitError(err, action, meta)
				return
			}
		}

		latency := time.Since(start)
		glog.V(1).Infof("[srv]subscribed %s to %s\n", ctx.NodeId, channel)
		self.markProcessed(meta)
		for _, callback := range self.subscribedCallbacks.Get() {
			callback(action, meta, latency)
		}
	}()
}

// unsubscribeAction is idempotent: removing a subscription that does not
// exist still acknowledges completion.
func (self *Server) unsubscribeAction(action Action, meta *Meta) {
	channel, ok := action.Channel()
	if !ok {
		self.wrongChannel(action, meta)
		return
	}
	self.router.Unsubscribe(channel, meta.Id.NodeId)
	glog.V(1).Infof("[srv]unsubscribed %s from %s\n", meta.Id.NodeId, channel)
	self.markProcessed(meta)
	for _, callback := range self.unsubscribedCallbacks.Get() {
		callback(action, meta)
	}
}

// debugActionError sends failure details to the origin session in
// development mode.
func (self *Server) debugActionError(meta *Meta, msg string) {
	if self.options.Env != "development" {
		return
	}
	if client := self.router.ClientByNodeId(meta.Id.NodeId); client != nil {
		client.sendDebug(msg)
	}
}

// AddClient attaches a session for an accepted connection. Exposed for
// tests and custom transports.
func (self *Server) AddClient(connection Connection) *Client {
	self.mutex.Lock()
	self.lastClientKey += 1
	key := strconv.Itoa(self.lastClientKey)
	client := newClient(self, connection, key)
	self.connected[key] = client
	self.mutex.Unlock()

	glog.V(1).Infof("[srv]connected %s %s\n", key, connection.RemoteAddress())
	for _, callback := range self.connectedCallbacks.Get() {
		callback(client)
	}
	return client
}

func (self *Server) removeClient(client *Client) {
	self.mutex.Lock()
	_, known := self.connected[client.Key()]
	delete(self.connected, client.Key())
	destroying := self.destroying
	self.mutex.Unlock()

	if known && !destroying && !client.Zombie() {
		glog.V(1).Infof("[srv]disconnected %s\n", client.Key())
		for _, callback := range self.disconnectedCallbacks.Get() {
			callback(client)
		}
	}
}

// ConnectedCount reports live sessions, for monitoring.
func (self *Server) ConnectedCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.connected)
}

// Listen binds the websocket listener and, when configured, the control
// listener, then serves until the context or the server is destroyed.
func (self *Server) Listen(ctx context.Context) error {
	if self.authenticator == nil {
		return errors.New("you must set an authentication callback with Auth()")
	}

	upgrader := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	settings := &ConnectionSettings{
		Ping:         self.options.Ping,
		Timeout:      self.options.Timeout,
		WriteTimeout: 5 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Infof("[srv]upgrade error = %s\n", err)
			return
		}
		self.AddClient(NewWebSocketConnection(ws, settings))
	})

	address := net.JoinHostPort(self.options.Host, strconv.Itoa(self.options.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	httpServer := &http.Server{Handler: mux}
	self.unbind = append(self.unbind, func() {
		httpServer.Close()
	})

	var control *ControlServer
	if self.options.ControlSecret != "" {
		control, err = newControlServer(self)
		if err != nil {
			listener.Close()
			return err
		}
		if err := control.Listen(); err != nil {
			listener.Close()
			return err
		}
		self.unbind = append(self.unbind, control.Close)
	}

	glog.Infof("[srv]listen %s node %s subprotocol %s supports %s\n",
		address, self.nodeId, self.options.Subprotocol, self.options.Supports)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return self.Destroy()
	case <-self.ctx.Done():
		return nil
	}
}

// Destroy stops the server: listeners close, live sessions are destroyed,
// then in-flight processing is awaited, never aborted.
func (self *Server) Destroy() error {
	self.mutex.Lock()
	if self.destroying {
		self.mutex.Unlock()
		self.processing.Wait()
		return nil
	}
	self.destroying = true
	clients := make([]*Client, 0, len(self.connected))
	for _, client := range self.connected {
		clients = append(clients, client)
	}
	unbind := self.unbind
	self.unbind = nil
	self.mutex.Unlock()

	glog.Infof("[srv]destroy %s\n", self.nodeId)
	for i := len(unbind) - 1; 0 <= i; i -= 1 {
		unbind[i]()
	}
	for _, client := range clients {
		client.Destroy()
	}
	self.cancel()
	self.processing.Wait()
	return nil
}
