package server

import (
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latency buckets in milliseconds
var controlTimeBuckets = []float64{
	100, 500, 1000, 2500, 5000, 7500, 10000, 25000, 50000, 75000, 100000,
}

// ControlServer is the operator-only HTTP listener: health check,
// prometheus metrics and the backend callback endpoint. Requests are
// gated by a shared secret, an optional source CIDR allowlist and a
// lockout on repeated wrong secrets. It never touches the primary
// client transport.
type ControlServer struct {
	server *Server

	masks      []*net.IPNet
	bruteforce *bruteforceTracker

	httpServer *http.Server
	listener   net.Listener

	unbind []func()

	requestsCount      *prometheus.CounterVec
	processingTime     prometheus.Histogram
	subscriptionsCount prometheus.Counter
	subscribingTime    prometheus.Histogram
	clientsGauge       prometheus.Gauge
	clientErrorsCount  prometheus.Counter
}

func newControlServer(server *Server) (*ControlServer, error) {
	control := &ControlServer{
		server:     server,
		bruteforce: newBruteforceTracker(),
	}

	if server.options.ControlMask != "" {
		for _, mask := range strings.Split(server.options.ControlMask, ",") {
			_, network, err := net.ParseCIDR(strings.TrimSpace(mask))
			if err != nil {
				return nil, fmt.Errorf("cannot parse `ControlMask` %q: %w", mask, err)
			}
			control.masks = append(control.masks, network)
		}
	}

	registry := prometheus.NewRegistry()
	control.requestsCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logux_request_counter",
		Help: "How many actions were processed",
	}, []string{"type"})
	control.processingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logux_request_processing_time_histogram",
		Help:    "How long actions were processed",
		Buckets: controlTimeBuckets,
	})
	control.subscriptionsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logux_subscription_counter",
		Help: "How many subscriptions were processed",
	})
	control.subscribingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logux_subscription_processing_time_histogram",
		Help:    "How long channel initial data was loaded",
		Buckets: controlTimeBuckets,
	})
	control.clientsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logux_clients_gauge",
		Help: "How many clients are online",
	})
	control.clientErrorsCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logux_client_errors_counter",
		Help: "How many client errors were fired",
	})
	registry.MustRegister(
		control.requestsCount,
		control.processingTime,
		control.subscriptionsCount,
		control.subscribingTime,
		control.clientsGauge,
		control.clientErrorsCount,
	)

	control.unbind = append(control.unbind,
		server.OnProcessed(func(action Action, meta *Meta, latency time.Duration) {
			control.requestsCount.WithLabelValues(action.Type()).Inc()
			control.processingTime.Observe(float64(latency.Milliseconds()))
		}),
		server.OnSubscribed(func(action Action, meta *Meta, latency time.Duration) {
			control.subscriptionsCount.Inc()
			control.subscribingTime.Observe(float64(latency.Milliseconds()))
		}),
		server.OnConnected(func(client *Client) {
			control.clientsGauge.Set(float64(server.ConnectedCount()))
		}),
		server.OnDisconnected(func(client *Client) {
			control.clientsGauge.Set(float64(server.ConnectedCount()))
		}),
		server.OnClientError(func(err error, client *Client) {
			control.clientErrorsCount.Inc()
		}),
	)

	mux := http.NewServeMux()
	health := func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}
	mux.HandleFunc("/health", health)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.Error(w, "Wrong path", http.StatusNotFound)
			return
		}
		health(w, r)
	})
	metrics := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	mux.Handle("/prometheus", control.protect(metrics))
	if server.backend != nil {
		// the backend callback carries its own password
		mux.Handle("/backend", server.backend.Handler())
	}

	control.httpServer = &http.Server{Handler: control.allow(mux)}
	return control, nil
}

// allow applies the source CIDR allowlist to every control request.
func (self *ControlServer) allow(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(self.masks) != 0 {
			address := remoteIp(r)
			permitted := false
			for _, mask := range self.masks {
				if ip := net.ParseIP(address); ip != nil && mask.Contains(ip) {
					permitted = true
					break
				}
			}
			if !permitted {
				glog.Infof("[ctl]wrong control ip %s\n", address)
				http.Error(w, "IP address is not permitted by mask", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// protect gates a handler behind the shared secret with lockout on
// repeated wrong attempts.
func (self *ControlServer) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := remoteIp(r)
		if self.bruteforce.IsLocked(address) {
			http.Error(w, "Too many wrong secret attempts", http.StatusTooManyRequests)
			return
		}
		secret := r.URL.RawQuery
		expected := self.server.options.ControlSecret
		if subtle.ConstantTimeCompare([]byte(secret), []byte(expected)) != 1 {
			glog.Infof("[ctl]wrong control secret from %s\n", address)
			self.bruteforce.Remember(address)
			http.Error(w, "Wrong secret", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (self *ControlServer) Listen() error {
	options := self.server.options
	host := options.ControlHost
	if host == "" {
		host = options.Host
	}
	port := options.ControlPort
	if port == 0 {
		port = 31338
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	self.listener = listener
	glog.Infof("[ctl]listen %s\n", address)
	go self.httpServer.Serve(listener)
	return nil
}

// Handler exposes the control mux for tests and embedding.
func (self *ControlServer) Handler() http.Handler {
	return self.httpServer.Handler
}

func (self *ControlServer) Close() {
	for _, unbind := range self.unbind {
		unbind()
	}
	self.unbind = nil
	self.httpServer.Close()
}

func remoteIp(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
