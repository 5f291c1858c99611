package server

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestActionType(t *testing.T) {
	assert.Equal(t, Action{"type": "user/rename"}.Type(), "user/rename")
	assert.Equal(t, Action{}.Type(), "")
	assert.Equal(t, Action{"type": "logux/subscribe"}.IsControl(), true)
	assert.Equal(t, Action{"type": "user/rename"}.IsControl(), false)

	channel, ok := Action{"type": SubscribeType, "channel": "user/10"}.Channel()
	assert.Equal(t, ok, true)
	assert.Equal(t, channel, "user/10")

	_, ok = Action{"type": SubscribeType}.Channel()
	assert.Equal(t, ok, false)
}

func TestActionIdString(t *testing.T) {
	id := ActionId{Time: 1487805099387, NodeId: "100:uImkcF4z", Seq: 0}
	assert.Equal(t, id.String(), "1487805099387 100:uImkcF4z 0")

	parsed, err := ParseActionId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = ParseActionId("1487805099387 100:uImkcF4z")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, ActionId{}.IsZero(), true)
	assert.Equal(t, id.IsZero(), false)
}

func TestActionIdWireForm(t *testing.T) {
	id := ActionId{Time: 1, NodeId: "10:client:tab", Seq: 2}

	encoded, err := json.Marshal(id)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(encoded), `[1,"10:client:tab",2]`)

	var decoded ActionId
	assert.Equal(t, json.Unmarshal(encoded, &decoded), nil)
	assert.Equal(t, decoded, id)

	assert.NotEqual(t, json.Unmarshal([]byte(`[1,"10:client:tab"]`), &decoded), nil)
	assert.NotEqual(t, json.Unmarshal([]byte(`["1","10:client:tab",2]`), &decoded), nil)
}

func TestParseNodeId(t *testing.T) {
	userId, clientId := parseNodeId("10:client:tab")
	assert.Equal(t, userId, "10")
	assert.Equal(t, clientId, "10:client")

	userId, clientId = parseNodeId("10:client")
	assert.Equal(t, userId, "10")
	assert.Equal(t, clientId, "10:client")

	userId, clientId = parseNodeId("bare")
	assert.Equal(t, userId, "")
	assert.Equal(t, clientId, "bare")
}

func TestParseRemoteMeta(t *testing.T) {
	meta, err := parseRemoteMeta(map[string]any{
		"id":       []any{1, "10:client:tab", 0},
		"time":     1,
		"channels": []any{"user/10"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, meta.Id, ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0})
	assert.Equal(t, meta.Time, int64(1))
	assert.Equal(t, meta.Channels, []string{"user/10"})

	_, err = parseRemoteMeta(map[string]any{
		"id":     []any{1, "10:client:tab", 0},
		"time":   1,
		"status": "processed",
	})
	assert.NotEqual(t, err, nil)

	_, err = parseRemoteMeta(map[string]any{
		"id":     []any{1, "10:client:tab", 0},
		"time":   1,
		"server": "server:fake",
	})
	assert.NotEqual(t, err, nil)
}

func TestFilterMeta(t *testing.T) {
	meta := &Meta{
		Id:          ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0},
		Time:        1,
		Added:       5,
		Status:      StatusProcessed,
		Server:      "server:x",
		Subprotocol: "1.0.0",
		Reasons:     []string{"test"},
		Channels:    []string{"user/10"},
	}
	filtered := FilterMeta(meta)
	assert.Equal(t, filtered, map[string]any{
		"id":          meta.Id,
		"time":        int64(1),
		"subprotocol": "1.0.0",
	})

	filtered = FilterMeta(&Meta{Id: meta.Id, Time: 1})
	_, ok := filtered["subprotocol"]
	assert.Equal(t, ok, false)
}
