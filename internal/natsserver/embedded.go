// Package natsserver runs an in-process NATS server so a single umweltd binary
// can host the renderer bus without an external broker.
package natsserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loqalabs/loqa-umwelt/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// ErrNotReady is returned when the server does not accept connections in time.
var ErrNotReady = errors.New("embedded NATS server not ready")

// EmbeddedServer is a running in-process NATS server.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start launches the server described by cfg. It returns nil when cfg points
// at an external broker. Port -1 binds a random port; see ClientURL.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	log = log.With(slog.String("component", "nats-server"))

	ns, err := server.NewServer(serverOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("%w after %s", ErrNotReady, readyTimeout)
	}

	e := &EmbeddedServer{ns: ns, log: log}
	log.Info("embedded NATS server started", slog.String("url", e.ClientURL()), slog.String("store_dir", cfg.StoreDir))
	return e, nil
}

func serverOptions(cfg config.BusConfig) *server.Options {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	opts := &server.Options{
		ServerName: "umwelt-bus",
		Host:       host,
		Port:       cfg.Port,
		StoreDir:   cfg.StoreDir,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
		NoLog:      true,
	}
	switch {
	case cfg.Token != "":
		opts.Authorization = cfg.Token
	case cfg.Username != "":
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}
	return opts
}

// ClientURL returns the address clients on this host should dial. It uses
// the bound port, so it also works for Port -1. Wildcard hosts map to
// loopback.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	addr, ok := e.ns.Addr().(*net.TCPAddr)
	if !ok {
		return ""
	}
	host := "127.0.0.1"
	if ip := addr.IP; ip != nil && !ip.IsUnspecified() {
		host = ip.String()
	}
	return "nats://" + net.JoinHostPort(host, fmt.Sprint(addr.Port))
}

// Clients reports the number of open client connections.
func (e *EmbeddedServer) Clients() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server", slog.Int("clients", e.Clients()))
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
