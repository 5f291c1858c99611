package server

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/golang/glog"
)

const backendProtocolVersion = 2

var errWrongAnswer = errors.New("backend sent a wrong answer")

// backendEnvelope is the JSON body both directions of the backend
// protocol use.
type backendEnvelope struct {
	Version  int               `json:"version"`
	Password string            `json:"password"`
	Commands []json.RawMessage `json:"commands"`
}

type backendVerdict struct {
	allowed bool
	err     error
}

// backendRequest tracks one action dispatched to the backend. The answer
// stream resolves access first, then the terminal processing outcome.
// Every dispatched request reaches a terminal outcome.
type backendRequest struct {
	access chan backendVerdict
	result chan error
}

// BackendProxy delegates access checks and processing for action types
// and channels with no local handler to an external HTTP collaborator.
type BackendProxy struct {
	server   *Server
	url      string
	password string

	httpClient *http.Client

	mutex   sync.Mutex
	pending map[string]*backendRequest
}

func newBackendProxy(server *Server, backendUrl string, password string) (*BackendProxy, error) {
	if _, err := url.Parse(backendUrl); err != nil {
		return nil, fmt.Errorf("cannot parse `Backend` url: %w", err)
	}
	proxy := &BackendProxy{
		server:     server,
		url:        backendUrl,
		password:   password,
		httpClient: &http.Client{},
		pending:    map[string]*backendRequest{},
	}

	server.OtherType(TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return proxy.access(action, meta)
		},
		Process: func(ctx Context, action Action, meta *Meta) error {
			return proxy.wait(meta)
		},
	})
	server.OtherChannel(ChannelHandler{
		Access: func(ctx Context, params map[string]string, action Action, meta *Meta) (bool, error) {
			return proxy.access(action, meta)
		},
		Init: func(ctx Context, params map[string]string, action Action, meta *Meta) error {
			return proxy.wait(meta)
		},
	})

	return proxy, nil
}

// access dispatches the action to the backend and blocks until the
// stream answers `approved` or `forbidden` for its id.
func (self *BackendProxy) access(action Action, meta *Meta) (bool, error) {
	request := &backendRequest{
		access: make(chan backendVerdict, 1),
		result: make(chan error, 1),
	}
	key := meta.Id.String()
	self.mutex.Lock()
	self.pending[key] = request
	self.mutex.Unlock()

	go self.send(request, action, meta)

	verdict := <-request.access
	if verdict.err != nil || !verdict.allowed {
		self.forget(key)
	}
	return verdict.allowed, verdict.err
}

// wait blocks until the answer stream reaches `processed` or `error` for
// the action dispatched by access.
func (self *BackendProxy) wait(meta *Meta) error {
	key := meta.Id.String()
	self.mutex.Lock()
	request := self.pending[key]
	self.mutex.Unlock()
	if request == nil {
		return errWrongAnswer
	}
	err := <-request.result
	self.forget(key)
	return err
}

func (self *BackendProxy) forget(key string) {
	self.mutex.Lock()
	delete(self.pending, key)
	self.mutex.Unlock()
}

func (self *BackendProxy) send(request *backendRequest, action Action, meta *Meta) {
	accessResolved := false
	resultResolved := false
	resolveAccess := func(verdict backendVerdict) {
		if !accessResolved {
			accessResolved = true
			request.access <- verdict
		}
	}
	resolveResult := func(err error) {
		if !resultResolved {
			resultResolved = true
			request.result <- err
		}
	}
	fail := func(err error) {
		glog.Infof("[be]error %s = %s\n", meta.Id, err)
		resolveAccess(backendVerdict{err: err})
		resolveResult(err)
	}

	command, err := json.Marshal([]any{"action", action, meta})
	if err != nil {
		fail(err)
		return
	}
	body, err := json.Marshal(&backendEnvelope{
		Version:  backendProtocolVersion,
		Password: self.password,
		Commands: []json.RawMessage{command},
	})
	if err != nil {
		fail(err)
		return
	}

	httpRequest, err := http.NewRequestWithContext(
		self.server.ctx, http.MethodPost, self.url, bytes.NewReader(body))
	if err != nil {
		fail(err)
		return
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := self.httpClient.Do(httpRequest)
	if err != nil {
		fail(err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || 299 < response.StatusCode {
		fail(fmt.Errorf("backend responsed with %d code", response.StatusCode))
		return
	}

	// the body is a streamed JSON array of [verdict, actionId] tuples
	key := meta.Id.String()
	decoder := json.NewDecoder(response.Body)
	if _, err := decoder.Token(); err != nil {
		fail(errWrongAnswer)
		return
	}
	for decoder.More() {
		var answer []string
		if err := decoder.Decode(&answer); err != nil || len(answer) < 2 {
			fail(errWrongAnswer)
			return
		}
		if answer[1] != key {
			fail(errWrongAnswer)
			return
		}
		switch answer[0] {
		case "approved":
			resolveAccess(backendVerdict{allowed: true})
		case "forbidden":
			resolveAccess(backendVerdict{allowed: false})
			resolveResult(nil)
			return
		case "processed":
			resolveAccess(backendVerdict{allowed: true})
			resolveResult(nil)
			return
		case "error":
			fail(errors.New("backend reported an error"))
			return
		default:
			fail(errWrongAnswer)
			return
		}
	}

	// stream ended without a terminal answer
	fail(errWrongAnswer)
}

// Handler accepts callbacks from the backend: the same envelope shape,
// carrying actions to commit on the backend's behalf.
func (self *BackendProxy) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var envelope backendEnvelope
		if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if backendProtocolVersion < envelope.Version {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if subtle.ConstantTimeCompare([]byte(envelope.Password), []byte(self.password)) != 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		for _, command := range envelope.Commands {
			var parts []json.RawMessage
			if err := json.Unmarshal(command, &parts); err != nil || len(parts) != 3 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var name string
			if err := json.Unmarshal(parts[0], &name); err != nil || name != "action" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			var action Action
			var meta Meta
			if err := json.Unmarshal(parts[1], &action); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := json.Unmarshal(parts[2], &meta); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if _, err := self.server.log.Add(action, meta); err != nil {
				glog.Infof("[be]callback add error = %s\n", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

// Backend returns the configured backend proxy, nil without one.
func (self *Server) Backend() *BackendProxy {
	return self.backend
}
