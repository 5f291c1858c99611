package server

import (
	"sync"

	"golang.org/x/exp/maps"
)

type subscriber struct {
	nodeId string
	filter FilterFunc
}

// Router owns the live-session routing tables: node id, client id and
// user id maps plus the channel subscriber table. All mutation goes
// through this narrow API, guarded by one mutex, so fan-out for a commit
// sees a consistent snapshot.
type Router struct {
	mutex sync.Mutex

	nodeIds   map[string]*Client
	clientIds map[string]*Client
	userIds   map[string][]*Client

	// channel name -> subscriber node id -> filter
	subscribers map[string]map[string]FilterFunc
}

func NewRouter() *Router {
	return &Router{
		nodeIds:     map[string]*Client{},
		clientIds:   map[string]*Client{},
		userIds:     map[string][]*Client{},
		subscribers: map[string]map[string]FilterFunc{},
	}
}

// Register binds an authenticated session into the tables and returns the
// previous session with the same client id, if any. Last authenticated
// wins, the caller destroys the zombie.
func (self *Router) Register(client *Client) (zombie *Client) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	zombie = self.clientIds[client.clientId]
	self.clientIds[client.clientId] = client
	self.nodeIds[client.nodeId] = client
	if client.userId != "" {
		self.userIds[client.userId] = append(self.userIds[client.userId], client)
	}
	return
}

// Unregister removes a session from every table, including all channel
// subscriptions, atomically with respect to fan-out.
func (self *Router) Unregister(client *Client) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.nodeIds[client.nodeId] == client {
		delete(self.nodeIds, client.nodeId)
	}
	if self.clientIds[client.clientId] == client {
		delete(self.clientIds, client.clientId)
	}
	if client.userId != "" {
		clients := self.userIds[client.userId]
		for i, c := range clients {
			if c == client {
				clients = append(clients[0:i], clients[i+1:]...)
				break
			}
		}
		if len(clients) == 0 {
			delete(self.userIds, client.userId)
		} else {
			self.userIds[client.userId] = clients
		}
	}
	for channel, nodeIds := range self.subscribers {
		delete(nodeIds, client.nodeId)
		if len(nodeIds) == 0 {
			delete(self.subscribers, channel)
		}
	}
}

func (self *Router) ClientByNodeId(nodeId string) *Client {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.nodeIds[nodeId]
}

func (self *Router) ClientByClientId(clientId string) *Client {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clientIds[clientId]
}

func (self *Router) ClientsByUserId(userId string) []*Client {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	clients := make([]*Client, len(self.userIds[userId]))
	copy(clients, self.userIds[userId])
	return clients
}

// Subscribe records a (channel, node) subscription. A nil filter passes
// every channel action.
func (self *Router) Subscribe(channel string, nodeId string, filter FilterFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nodeIds, ok := self.subscribers[channel]
	if !ok {
		nodeIds = map[string]FilterFunc{}
		self.subscribers[channel] = nodeIds
	}
	nodeIds[nodeId] = filter
}

// SubscribeIfLive records the subscription only while the session is still
// registered. Lookup and insertion are one critical section, so a
// concurrent Unregister cannot leave an orphan entry for a node id a later
// session would inherit.
func (self *Router) SubscribeIfLive(channel string, nodeId string, filter FilterFunc) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.nodeIds[nodeId] == nil {
		return false
	}
	nodeIds, ok := self.subscribers[channel]
	if !ok {
		nodeIds = map[string]FilterFunc{}
		self.subscribers[channel] = nodeIds
	}
	nodeIds[nodeId] = filter
	return true
}

// Unsubscribe is idempotent. Removing a missing subscription is not
// an error and an emptied channel entry is dropped.
func (self *Router) Unsubscribe(channel string, nodeId string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	nodeIds, ok := self.subscribers[channel]
	if !ok {
		return
	}
	delete(nodeIds, nodeId)
	if len(nodeIds) == 0 {
		delete(self.subscribers, channel)
	}
}

func (self *Router) Subscribers(channel string) []subscriber {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []subscriber{}
	for nodeId, filter := range self.subscribers[channel] {
		out = append(out, subscriber{nodeId: nodeId, filter: filter})
	}
	return out
}

func (self *Router) Subscriptions() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.subscribers)
}

// Route resolves a committed action's routing keys to the set of live
// destination sessions. Destinations absent from the tables are skipped,
// offline clients catch up through the reconnect replay cursor.
// Filters run outside the table lock so they may call back into the router.
func (self *Router) Route(action Action, meta *Meta, ctx Context) []*Client {
	self.mutex.Lock()
	candidates := []*Client{}
	filtered := []subscriber{}
	for _, nodeId := range meta.NodeIds {
		if client := self.nodeIds[nodeId]; client != nil {
			candidates = append(candidates, client)
		}
	}
	for _, clientId := range meta.Clients {
		if client := self.clientIds[clientId]; client != nil {
			candidates = append(candidates, client)
		}
	}
	for _, userId := range meta.Users {
		candidates = append(candidates, self.userIds[userId]...)
	}
	for _, channel := range meta.Channels {
		for nodeId, filter := range self.subscribers[channel] {
			client := self.nodeIds[nodeId]
			if client == nil {
				continue
			}
			if filter == nil {
				candidates = append(candidates, client)
			} else {
				filtered = append(filtered, subscriber{nodeId: nodeId, filter: filter})
			}
		}
	}
	self.mutex.Unlock()

	for _, sub := range filtered {
		if sub.filter(ctx, action, meta) {
			if client := self.ClientByNodeId(sub.nodeId); client != nil {
				candidates = append(candidates, client)
			}
		}
	}

	destinations := []*Client{}
	seen := map[*Client]bool{}
	for _, client := range candidates {
		if !seen[client] {
			seen[client] = true
			destinations = append(destinations, client)
		}
	}
	return destinations
}
