package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Control action types. Every action whose type carries the "logux/" prefix
// is part of the sync protocol itself and skips the client-visible
// waiting/processed lifecycle.
const (
	SubscribeType   = "logux/subscribe"
	UnsubscribeType = "logux/unsubscribe"
	ProcessedType   = "logux/processed"
	UndoType        = "logux/undo"
)

const controlPrefix = "logux/"

// Action is an opaque application event. The core only reads the `type`
// discriminator and, for control actions, a few well-known fields.
type Action map[string]any

func (self Action) Type() string {
	t, _ := self["type"].(string)
	return t
}

func (self Action) Channel() (string, bool) {
	channel, ok := self["channel"].(string)
	return channel, ok
}

func (self Action) IsControl() bool {
	return strings.HasPrefix(self.Type(), controlPrefix)
}

// Meta statuses. Empty status means the action is not a trackable
// client-facing action.
const (
	StatusWaiting   = "waiting"
	StatusProcessed = "processed"
	StatusError     = "error"
)

// comparable
type ActionId struct {
	Time   int64
	NodeId string
	Seq    int
}

func (self ActionId) IsZero() bool {
	return self == ActionId{}
}

func (self ActionId) String() string {
	return fmt.Sprintf("%d %s %d", self.Time, self.NodeId, self.Seq)
}

func ParseActionId(idStr string) (ActionId, error) {
	parts := strings.Split(idStr, " ")
	if len(parts) != 3 {
		return ActionId{}, fmt.Errorf("cannot parse action id %q", idStr)
	}
	time, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ActionId{}, err
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil {
		return ActionId{}, err
	}
	return ActionId{Time: time, NodeId: parts[1], Seq: seq}, nil
}

// The wire form is a `[time, nodeId, seq]` tuple.
func (self ActionId) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('[')
	buff.WriteString(strconv.FormatInt(self.Time, 10))
	buff.WriteByte(',')
	nodeId, err := json.Marshal(self.NodeId)
	if err != nil {
		return nil, err
	}
	buff.Write(nodeId)
	buff.WriteByte(',')
	buff.WriteString(strconv.Itoa(self.Seq))
	buff.WriteByte(']')
	return buff.Bytes(), nil
}

func (self *ActionId) UnmarshalJSON(src []byte) error {
	var parts []any
	if err := json.Unmarshal(src, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("invalid action id tuple of length %d", len(parts))
	}
	time, ok := parts[0].(float64)
	if !ok {
		return fmt.Errorf("invalid action id time %v", parts[0])
	}
	nodeId, ok := parts[1].(string)
	if !ok {
		return fmt.Errorf("invalid action id node %v", parts[1])
	}
	seq, ok := parts[2].(float64)
	if !ok {
		return fmt.Errorf("invalid action id seq %v", parts[2])
	}
	*self = ActionId{Time: int64(time), NodeId: nodeId, Seq: int(seq)}
	return nil
}

// Meta is the mutable routing and lifecycle envelope attached to an action.
type Meta struct {
	Id          ActionId `json:"id"`
	Time        int64    `json:"time"`
	Added       uint64   `json:"added,omitempty"`
	Status      string   `json:"status,omitempty"`
	Server      string   `json:"server,omitempty"`
	Subprotocol string   `json:"subprotocol,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
	NodeIds     []string `json:"nodeIds,omitempty"`
	Clients     []string `json:"clients,omitempty"`
	Users       []string `json:"users,omitempty"`
	Channels    []string `json:"channels,omitempty"`
}

// AllowedMeta lists the meta keys a remote peer may set. Anything else in
// client-sent meta is a protocol violation.
var AllowedMeta = []string{
	"id", "time", "nodeIds", "clients", "users", "channels", "subprotocol",
}

// FilterMeta reduces meta to the subset meaningful to a remote peer.
// Internal routing and bookkeeping fields are never sent to clients.
func FilterMeta(meta *Meta) map[string]any {
	filtered := map[string]any{
		"id":   meta.Id,
		"time": meta.Time,
	}
	if meta.Subprotocol != "" {
		filtered["subprotocol"] = meta.Subprotocol
	}
	return filtered
}

// parseRemoteMeta validates client-sent meta against the allow-list and
// builds a meta draft. The id and origin checks happen at the session
// boundary, which knows the authenticated identity.
func parseRemoteMeta(raw map[string]any) (Meta, error) {
	for key := range raw {
		allowed := false
		for _, name := range AllowedMeta {
			if key == name {
				allowed = true
				break
			}
		}
		if !allowed {
			return Meta{}, fmt.Errorf("meta key %q is not allowed from clients", key)
		}
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := json.Unmarshal(encoded, &meta); err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// parseNodeId splits a node id into user and client parts.
// `10:client:tab` has user id `10` and client id `10:client`.
// A bare node id with no separator has no resolvable user id.
func parseNodeId(nodeId string) (userId string, clientId string) {
	parts := strings.SplitN(nodeId, ":", 3)
	if len(parts) == 1 {
		return "", nodeId
	}
	return parts[0], parts[0] + ":" + parts[1]
}

func hasString(list []string, item string) bool {
	for _, i := range list {
		if i == item {
			return true
		}
	}
	return false
}
