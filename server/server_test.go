package server

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func allowAllUsers(userId string, credentials json.RawMessage, client *Client) (bool, error) {
	return true, nil
}

func newTestServer(t *testing.T) *Server {
	return newTestServerOptions(t, nil)
}

func newTestServerOptions(t *testing.T, options *Options) *Server {
	t.Helper()
	if options == nil {
		options = &Options{}
	}
	if options.Subprotocol == "" {
		options.Subprotocol = "1.0.0"
	}
	if options.Supports == "" {
		options.Supports = "^1.0.0"
	}
	if options.Env == "" {
		options.Env = "production"
	}
	app, err := NewServer(options)
	assert.Equal(t, err, nil)
	app.Auth(allowAllUsers)
	t.Cleanup(func() {
		app.Destroy()
	})
	return app
}

type testPeer struct {
	connection Connection
	client     *Client
}

func openPeer(app *Server, address string) (Connection, *Client) {
	local, remote := PipeAddress(address)
	client := app.AddClient(remote)
	return local, client
}

func connectPeer(t *testing.T, app *Server, nodeId string) *testPeer {
	return connectPeerSince(t, app, nodeId, 0)
}

func connectPeerSince(t *testing.T, app *Server, nodeId string, since uint64) *testPeer {
	t.Helper()
	local, client := openPeer(app, "127.0.0.1")
	local.Send(&Message{
		Type:        MessageConnect,
		NodeId:      nodeId,
		Subprotocol: "1.0.0",
		Since:       since,
	})
	message := receiveMessage(t, local)
	assert.Equal(t, message.Type, MessageConnected)
	assert.Equal(t, message.NodeId, app.NodeId())
	return &testPeer{connection: local, client: client}
}

func (self *testPeer) submit(action Action, meta map[string]any) {
	self.connection.Send(&Message{
		Type:    MessageSync,
		Entries: []WireEntry{{Action: action, Meta: meta}},
	})
}

func wireMeta(timeValue int64, nodeId string, seq int) map[string]any {
	return map[string]any{
		"id":   []any{timeValue, nodeId, seq},
		"time": timeValue,
	}
}

func receiveMessage(t *testing.T, connection Connection) *Message {
	t.Helper()
	select {
	case message, ok := <-connection.Receive():
		if !ok {
			t.Fatal("connection was closed")
		}
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
	}
	return nil
}

// receiveEntry returns the next synchronized action, skipping debug notices.
func receiveEntry(t *testing.T, connection Connection) WireEntry {
	t.Helper()
	for {
		message := receiveMessage(t, connection)
		if message.Type == MessageDebug {
			continue
		}
		assert.Equal(t, message.Type, MessageSync)
		assert.Equal(t, len(message.Entries), 1)
		return message.Entries[0]
	}
}

func expectSilence(t *testing.T, connection Connection) {
	t.Helper()
	select {
	case message, ok := <-connection.Receive():
		if !ok {
			t.Fatal("connection was closed")
		}
		t.Fatalf("unexpected message %v", message)
	case <-time.After(200 * time.Millisecond):
	}
}

func receiveClosed(t *testing.T, connection Connection) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-connection.Receive():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection was not closed")
		}
	}
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition was not reached in time")
}

func TestOptionsValidation(t *testing.T) {
	_, err := NewServer(&Options{Supports: "^1.0.0"})
	assert.NotEqual(t, err, nil)

	_, err = NewServer(&Options{Subprotocol: "1.0.0"})
	assert.NotEqual(t, err, nil)

	_, err = NewServer(&Options{Subprotocol: "1.0.0", Supports: "not a range"})
	assert.NotEqual(t, err, nil)

	_, err = NewServer(&Options{
		Subprotocol: "1.0.0",
		Supports:    "^1.0.0",
		Backend:     "http://127.0.0.1:31339",
	})
	assert.NotEqual(t, err, nil)

	app, err := NewServer(&Options{Subprotocol: "1.0.0", Supports: "^1.0.0"})
	assert.Equal(t, err, nil)
	assert.Equal(t, app.Options().Host, "127.0.0.1")
	assert.Equal(t, app.Options().Port, 31337)
	assert.Equal(t, app.Options().Env, "development")
	app.Destroy()
}

func TestProcessPipeline(t *testing.T) {
	app := newTestServer(t)
	app.Type("user/rename", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			return ctx.SendBack(Action{"type": "user/renamed"})
		},
	})

	peer := connectPeer(t, app, "10:client:tab")
	id := ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0}
	peer.submit(Action{"type": "user/rename", "name": "new"}, wireMeta(1, "10:client:tab", 0))

	// side effects first, then the completion acknowledgement
	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), "user/renamed")

	entry = receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), ProcessedType)
	assert.Equal(t, entry.Action["id"], id)
}

func TestDeniedAction(t *testing.T) {
	app := newTestServer(t)
	app.Type("billing/charge", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return false, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			t.Error("denied action must not be processed")
			return nil
		},
	})

	peer := connectPeer(t, app, "10:client:tab")
	id := ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0}
	peer.submit(Action{"type": "billing/charge"}, wireMeta(1, "10:client:tab", 0))

	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), UndoType)
	assert.Equal(t, entry.Action["reason"], "denied")
	assert.Equal(t, entry.Action["id"], id)

	expectSilence(t, peer.connection)
}

func TestAccessError(t *testing.T) {
	app := newTestServer(t)
	failure := errors.New("database is down")
	app.Type("user/rename", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return false, failure
		},
	})

	reported := make(chan error, 1)
	app.OnError(func(err error, action Action, meta *Meta) {
		select {
		case reported <- err:
		default:
		}
	})

	peer := connectPeer(t, app, "10:client:tab")
	peer.submit(Action{"type": "user/rename"}, wireMeta(1, "10:client:tab", 0))

	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), UndoType)
	assert.Equal(t, entry.Action["reason"], "error")

	select {
	case err := <-reported:
		assert.Equal(t, err, failure)
	case <-time.After(2 * time.Second):
		t.Fatal("error was not reported")
	}
}

func TestProcessPanic(t *testing.T) {
	app := newTestServer(t)
	app.Type("user/rename", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			panic("boom")
		},
	})

	peer := connectPeer(t, app, "10:client:tab")
	peer.submit(Action{"type": "user/rename"}, wireMeta(1, "10:client:tab", 0))

	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), UndoType)
	assert.Equal(t, entry.Action["reason"], "error")
}

func TestUnknownType(t *testing.T) {
	app := newTestServer(t)
	peer := connectPeer(t, app, "10:client:tab")
	id := ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0}
	peer.submit(Action{"type": "mystery"}, wireMeta(1, "10:client:tab", 0))

	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), UndoType)
	assert.Equal(t, entry.Action["reason"], "error")
	assert.Equal(t, entry.Action["id"], id)
}

func TestUnknownTypeFromServer(t *testing.T) {
	app := newTestServer(t)

	mutex := sync.Mutex{}
	types := []string{}
	app.Log().OnAdd(func(action Action, meta *Meta) {
		mutex.Lock()
		types = append(types, action.Type())
		mutex.Unlock()
	})

	meta, err := app.Log().Add(Action{"type": "mystery"}, Meta{})
	assert.Equal(t, err, nil)
	// a server's own action with no handler completes immediately
	assert.Equal(t, meta.Status, StatusProcessed)

	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, types, []string{"mystery"})
}

func TestCommitOrderPreserved(t *testing.T) {
	app := newTestServer(t)
	app.Type("counter/inc", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
	})

	mutex := sync.Mutex{}
	committed := []*Meta{}
	app.Log().OnAdd(func(action Action, meta *Meta) {
		if action.Type() != "counter/inc" {
			return
		}
		mutex.Lock()
		committed = append(committed, meta)
		mutex.Unlock()
	})

	peer := connectPeer(t, app, "10:client:tab")
	entries := []WireEntry{}
	for seq := 0; seq < 5; seq += 1 {
		entries = append(entries, WireEntry{
			Action: Action{"type": "counter/inc"},
			Meta:   wireMeta(1, "10:client:tab", seq),
		})
	}
	peer.connection.Send(&Message{Type: MessageSync, Entries: entries})

	waitFor(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(committed) == 5
	})

	mutex.Lock()
	for i, meta := range committed {
		assert.Equal(t, meta.Id.Seq, i)
		if 0 < i {
			assert.Equal(t, committed[i-1].Added < meta.Added, true)
		}
	}
	mutex.Unlock()

	// every commit is acknowledged, processing order is not guaranteed
	acked := map[int]bool{}
	for i := 0; i < 5; i += 1 {
		entry := receiveEntry(t, peer.connection)
		assert.Equal(t, entry.Action.Type(), ProcessedType)
		acked[entry.Action["id"].(ActionId).Seq] = true
	}
	assert.Equal(t, len(acked), 5)
}

func TestDuplicateId(t *testing.T) {
	app := newTestServer(t)
	app.Type("counter/inc", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
	})

	peer := connectPeer(t, app, "10:client:tab")
	peer.submit(Action{"type": "counter/inc"}, wireMeta(1, "10:client:tab", 0))
	peer.submit(Action{"type": "counter/inc"}, wireMeta(1, "10:client:tab", 0))

	acks := 0
	rejected := 0
	for i := 0; i < 2; i += 1 {
		message := receiveMessage(t, peer.connection)
		switch message.Type {
		case MessageSync:
			assert.Equal(t, message.Entries[0].Action.Type(), ProcessedType)
			acks += 1
		case MessageError:
			assert.Equal(t, message.Err, ErrDuplicateId.Error())
			rejected += 1
		default:
			t.Fatalf("unexpected message %v", message)
		}
	}
	assert.Equal(t, acks, 1)
	assert.Equal(t, rejected, 1)
	expectSilence(t, peer.connection)
}

func TestResend(t *testing.T) {
	app := newTestServer(t)
	app.Channel("chat", ChannelHandler{
		Access: func(ctx Context, params map[string]string, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
	})
	app.Type("chat/message", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Resend: func(ctx Context, action Action, meta *Meta) (Resend, error) {
			return Resend{Channels: []string{"chat"}}, nil
		},
	})

	listener := connectPeer(t, app, "20:client:tab")
	listener.submit(
		Action{"type": SubscribeType, "channel": "chat"},
		wireMeta(1, "20:client:tab", 0),
	)
	entry := receiveEntry(t, listener.connection)
	assert.Equal(t, entry.Action.Type(), ProcessedType)

	sender := connectPeer(t, app, "10:client:tab")
	sender.submit(
		Action{"type": "chat/message", "text": "hello"},
		wireMeta(2, "10:client:tab", 0),
	)

	entry = receiveEntry(t, listener.connection)
	assert.Equal(t, entry.Action.Type(), "chat/message")
	assert.Equal(t, entry.Action["text"], "hello")

	entry = receiveEntry(t, sender.connection)
	assert.Equal(t, entry.Action.Type(), ProcessedType)
}

func TestServerProcess(t *testing.T) {
	app := newTestServer(t)
	app.Type("report/build", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			assert.Equal(t, ctx.IsServer(), true)
			return nil
		},
	})

	processed := make(chan *Meta, 1)
	app.OnProcessed(func(action Action, meta *Meta, latency time.Duration) {
		select {
		case processed <- meta:
		default:
		}
	})

	meta, err := app.Process(Action{"type": "report/build"}, Meta{})
	assert.Equal(t, err, nil)
	assert.Equal(t, meta.Id.NodeId, app.NodeId())

	select {
	case done := <-processed:
		assert.Equal(t, done.Id, meta.Id)
	case <-time.After(2 * time.Second):
		t.Fatal("action was not processed")
	}
}

func TestResendFromServer(t *testing.T) {
	app := newTestServer(t)
	app.Channel("chat", ChannelHandler{
		Access: func(ctx Context, params map[string]string, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
	})
	app.Type("chat/message", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Resend: func(ctx Context, action Action, meta *Meta) (Resend, error) {
			return Resend{Channels: []string{"chat"}}, nil
		},
	})

	listener := connectPeer(t, app, "20:client:tab")
	listener.submit(
		Action{"type": SubscribeType, "channel": "chat"},
		wireMeta(1, "20:client:tab", 0),
	)
	entry := receiveEntry(t, listener.connection)
	assert.Equal(t, entry.Action.Type(), ProcessedType)

	// resend keys are applied to the server's own actions too
	_, err := app.Process(Action{"type": "chat/message", "text": "maintenance"}, Meta{})
	assert.Equal(t, err, nil)

	entry = receiveEntry(t, listener.connection)
	assert.Equal(t, entry.Action.Type(), "chat/message")
	assert.Equal(t, entry.Action["text"], "maintenance")
}

func TestNoProcessingAfterDestroy(t *testing.T) {
	app := newTestServer(t)
	started := atomic.Bool{}
	app.Type("report/build", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			started.Store(true)
			return nil
		},
	})

	app.Destroy()
	_, err := app.Process(
		Action{"type": "report/build"},
		Meta{Id: ActionId{Time: 1, NodeId: "10:client:tab", Seq: 0}, Time: 1},
	)
	assert.Equal(t, err, nil)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, started.Load(), false)
}

func TestDestroyWaitsForProcessing(t *testing.T) {
	app := newTestServerOptions(t, nil)
	processed := atomic.Bool{}
	app.Type("report/build", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			time.Sleep(200 * time.Millisecond)
			processed.Store(true)
			return nil
		},
	})

	peer := connectPeer(t, app, "10:client:tab")
	peer.submit(Action{"type": "report/build"}, wireMeta(1, "10:client:tab", 0))

	time.Sleep(50 * time.Millisecond)
	app.Destroy()
	assert.Equal(t, processed.Load(), true)
}

func TestConnectedCount(t *testing.T) {
	app := newTestServer(t)
	assert.Equal(t, app.ConnectedCount(), 0)

	_, client := openPeer(app, "127.0.0.1")
	assert.Equal(t, app.ConnectedCount(), 1)

	client.Destroy()
	waitFor(t, func() bool {
		return app.ConnectedCount() == 0
	})
}
