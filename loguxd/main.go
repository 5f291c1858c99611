package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/logux/go-server/server"
)

const LoguxdVersion = "0.1.0"

func main() {
	usage := `Logux synchronization server.

Every option falls back to the LOGUX_* environment variable with the
same name, e.g. --control_secret to LOGUX_CONTROL_SECRET.

Usage:
    loguxd --subprotocol=<version> --supports=<range>
        [--host=<host>] [--port=<port>]
        [--env=<env>]
        [--ping=<seconds>] [--timeout=<seconds>]
        [--backend=<url>] [--backend_password=<password>]
        [--control_secret=<secret>] [--control_mask=<mask>]
        [--control_host=<host>] [--control_port=<port>]
        [--jwt_secret=<secret>]

Options:
    -h --help                     Show this screen.
    --version                     Show version.
    --subprotocol=<version>       Server subprotocol, SemVer.
    --supports=<range>            Supported client subprotocols, SemVer range.
    --host=<host>                 Address to bind the client listener.
    --port=<port>                 Port to bind the client listener.
    --env=<env>                   development or production.
    --ping=<seconds>              Ping interval for idle connections.
    --timeout=<seconds>           Inactivity timeout for connections.
    --backend=<url>               Backend to process actions.
    --backend_password=<password> Backend shared password.
    --control_secret=<secret>     Secret for the control listener.
    --control_mask=<mask>         CIDR masks for control request sources.
    --control_host=<host>         Address to bind the control listener.
    --control_port=<port>         Port to bind the control listener.
    --jwt_secret=<secret>         HMAC secret for client token auth.`

	// glog to stderr unless overridden
	flag.Set("logtostderr", "true")
	flag.Parse()

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LoguxdVersion)
	if err != nil {
		glog.Errorf("cannot parse arguments = %s\n", err)
		os.Exit(1)
	}

	options := &server.Options{
		Subprotocol:     optString(opts, "--subprotocol", "LOGUX_SUBPROTOCOL"),
		Supports:        optString(opts, "--supports", "LOGUX_SUPPORTS"),
		Host:            optString(opts, "--host", "LOGUX_HOST"),
		Port:            optInt(opts, "--port", "LOGUX_PORT"),
		Env:             optString(opts, "--env", "LOGUX_ENV"),
		Ping:            optSeconds(opts, "--ping", "LOGUX_PING"),
		Timeout:         optSeconds(opts, "--timeout", "LOGUX_TIMEOUT"),
		Backend:         optString(opts, "--backend", "LOGUX_BACKEND"),
		BackendPassword: optString(opts, "--backend_password", "LOGUX_BACKEND_PASSWORD"),
		ControlSecret:   optString(opts, "--control_secret", "LOGUX_CONTROL_SECRET"),
		ControlMask:     optString(opts, "--control_mask", "LOGUX_CONTROL_MASK"),
		ControlHost:     optString(opts, "--control_host", "LOGUX_CONTROL_HOST"),
		ControlPort:     optInt(opts, "--control_port", "LOGUX_CONTROL_PORT"),
	}

	app, err := server.NewServer(options)
	if err != nil {
		glog.Errorf("wrong options = %s\n", err)
		os.Exit(1)
	}

	jwtSecret := optString(opts, "--jwt_secret", "LOGUX_JWT_SECRET")
	if jwtSecret != "" {
		app.Auth(server.JWTAuthenticator([]byte(jwtSecret)))
	} else if options.Env == "development" {
		glog.Infof("no --jwt_secret set, development mode allows any client\n")
		app.Auth(func(userId string, credentials json.RawMessage, client *server.Client) (bool, error) {
			return true, nil
		})
	} else {
		glog.Errorf("--jwt_secret is required in production\n")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Listen(ctx); err != nil {
		glog.Errorf("server error = %s\n", err)
		app.Destroy()
		os.Exit(1)
	}
	app.Destroy()
}

func optString(opts docopt.Opts, name string, env string) string {
	if value, err := opts.String(name); err == nil && value != "" {
		return value
	}
	return os.Getenv(env)
}

func optInt(opts docopt.Opts, name string, env string) int {
	raw := optString(opts, name, env)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		panic(fmt.Errorf("%s must be a number, got %q", name, raw))
	}
	return value
}

func optSeconds(opts docopt.Opts, name string, env string) time.Duration {
	return time.Duration(optInt(opts, name, env)) * time.Second
}
