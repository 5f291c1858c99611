package server

import (
	"strings"
)

// Context identifies the node that created an action. It is built once per
// action from the committed meta and passed to every callback in that
// action's pipeline.
type Context struct {
	NodeId      string
	ClientId    string
	UserId      string
	Subprotocol string

	server *Server
}

// IsServer reports whether the action was created by a server instance.
func (self Context) IsServer() bool {
	return self.NodeId == "server" || self.UserId == "server" ||
		strings.HasPrefix(self.NodeId, "server:")
}

// SendBack commits an action routed only to the context's client.
func (self Context) SendBack(action Action) error {
	return self.SendBackWithMeta(action, Meta{})
}

func (self Context) SendBackWithMeta(action Action, meta Meta) error {
	if self.server == nil {
		return nil
	}
	meta.Clients = append(meta.Clients, self.ClientId)
	_, err := self.server.log.Add(action, meta)
	return err
}

func (self *Server) createContext(meta *Meta) Context {
	nodeId := meta.Id.NodeId
	userId, clientId := parseNodeId(nodeId)

	subprotocol := meta.Subprotocol
	if subprotocol == "" {
		if client := self.router.ClientByNodeId(nodeId); client != nil {
			subprotocol = client.RemoteSubprotocol()
		}
	}

	return Context{
		NodeId:      nodeId,
		ClientId:    clientId,
		UserId:      userId,
		Subprotocol: subprotocol,
		server:      self,
	}
}
