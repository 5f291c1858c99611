package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newControlFixture(t *testing.T, options *Options) (*Server, http.Handler) {
	t.Helper()
	if options == nil {
		options = &Options{}
	}
	if options.ControlSecret == "" {
		options.ControlSecret = "control-secret"
	}
	app := newTestServerOptions(t, options)
	control, err := newControlServer(app)
	assert.Equal(t, err, nil)
	t.Cleanup(control.Close)
	return app, control.Handler()
}

func controlRequest(handler http.Handler, target string, remoteAddr string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, target, nil)
	if remoteAddr != "" {
		request.RemoteAddr = remoteAddr
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestControlHealth(t *testing.T) {
	_, handler := newControlFixture(t, nil)

	response := controlRequest(handler, "/", "")
	assert.Equal(t, response.Code, http.StatusOK)
	assert.Equal(t, response.Body.String(), "OK")

	response = controlRequest(handler, "/health", "")
	assert.Equal(t, response.Code, http.StatusOK)
	assert.Equal(t, response.Body.String(), "OK")

	response = controlRequest(handler, "/unknown", "")
	assert.Equal(t, response.Code, http.StatusNotFound)
	assert.Equal(t, strings.Contains(response.Body.String(), "Wrong path"), true)
}

func TestControlSecret(t *testing.T) {
	_, handler := newControlFixture(t, nil)

	response := controlRequest(handler, "/prometheus?control-secret", "")
	assert.Equal(t, response.Code, http.StatusOK)

	for i := 0; i < 3; i += 1 {
		response = controlRequest(handler, "/prometheus?wrong", "")
		assert.Equal(t, response.Code, http.StatusForbidden)
		assert.Equal(t, strings.Contains(response.Body.String(), "Wrong secret"), true)
	}

	// the address is locked out, even with the right secret
	response = controlRequest(handler, "/prometheus?control-secret", "")
	assert.Equal(t, response.Code, http.StatusTooManyRequests)

	response = controlRequest(handler, "/prometheus?control-secret", "198.51.100.7:1000")
	assert.Equal(t, response.Code, http.StatusOK)
}

func TestControlMask(t *testing.T) {
	_, handler := newControlFixture(t, &Options{ControlMask: "10.0.0.0/8, 127.0.0.1/32"})

	response := controlRequest(handler, "/", "")
	assert.Equal(t, response.Code, http.StatusForbidden)
	assert.Equal(t, strings.Contains(response.Body.String(), "not permitted"), true)

	response = controlRequest(handler, "/", "10.1.2.3:1000")
	assert.Equal(t, response.Code, http.StatusOK)

	response = controlRequest(handler, "/", "127.0.0.1:1000")
	assert.Equal(t, response.Code, http.StatusOK)
}

func TestControlBadMask(t *testing.T) {
	app := newTestServerOptions(t, &Options{
		ControlSecret: "control-secret",
		ControlMask:   "not a mask",
	})
	_, err := newControlServer(app)
	assert.NotEqual(t, err, nil)
}

func TestControlMetrics(t *testing.T) {
	app, handler := newControlFixture(t, nil)
	app.Type("counter/inc", TypeHandler{
		Access: func(ctx Context, action Action, meta *Meta) (bool, error) {
			return true, nil
		},
	})

	// the control observers were bound first and have run by the time
	// this one fires
	processed := make(chan struct{}, 1)
	app.OnProcessed(func(action Action, meta *Meta, latency time.Duration) {
		select {
		case processed <- struct{}{}:
		default:
		}
	})

	peer := connectPeer(t, app, "10:client:tab")
	peer.submit(Action{"type": "counter/inc"}, wireMeta(1, "10:client:tab", 0))
	entry := receiveEntry(t, peer.connection)
	assert.Equal(t, entry.Action.Type(), ProcessedType)
	select {
	case <-processed:
	case <-time.After(2 * time.Second):
		t.Fatal("action was not processed")
	}

	response := controlRequest(handler, "/prometheus?control-secret", "")
	assert.Equal(t, response.Code, http.StatusOK)
	body := response.Body.String()
	assert.Equal(t, strings.Contains(body, "logux_clients_gauge 1"), true)
	assert.Equal(t,
		strings.Contains(body, `logux_request_counter{type="counter/inc"} 1`),
		true)
	assert.Equal(t, strings.Contains(body, "logux_request_processing_time_histogram"), true)
}
