// Package server owns the TLS listener lifecycle and glues the stores,
// the hub and the router together. Restart tears the listener down and
// rebinds without dropping operator sessions or transfer state; only
// WebSocket peers have to reconnect.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BYTEDz/PCLink/modules"
	"github.com/BYTEDz/PCLink/server/common"
	"github.com/BYTEDz/PCLink/server/config"
	"github.com/BYTEDz/PCLink/server/credentials"
	"github.com/BYTEDz/PCLink/server/discovery"
	"github.com/BYTEDz/PCLink/server/handler"
	"github.com/BYTEDz/PCLink/server/hub"
	"github.com/BYTEDz/PCLink/server/pairing"
	"github.com/BYTEDz/PCLink/server/registry"
	"github.com/BYTEDz/PCLink/server/transfer"
)

// ConfigError marks failures the operator has to fix before the
// server can start; the CLI maps it to exit code 3.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

const shutdownGrace = 5 * time.Second

var (
	identity  *credentials.Identity
	events    *hub.Hub
	announcer *discovery.Announcer

	restartCh  = make(chan struct{}, 1)
	shutdownCh = make(chan struct{})
)

// Run brings the whole server up and blocks until shutdown. Returns a
// *ConfigError for operator-fixable startup failures.
func Run() error {
	if err := config.Load(); err != nil {
		return &ConfigError{fmt.Errorf(`config.json: %w`, err)}
	}
	common.InitLog()
	defer common.CloseLog()

	var err error
	identity, err = credentials.LoadOrInit()
	if err != nil {
		return &ConfigError{fmt.Errorf(`server credentials: %w`, err)}
	}

	events = hub.New()
	if err = registry.Init(events, identity.APIKey); err != nil {
		return &ConfigError{err}
	}
	pairing.Init(events, identity.Fingerprint)
	if err = transfer.Init(events); err != nil {
		return fmt.Errorf(`transfer catalog: %w`, err)
	}
	transfer.StartJanitor()
	defer transfer.StopJanitor()
	go housekeeping()

	if config.Config.SetupCompleted {
		announcer = discovery.NewAnnouncer(config.Config.Port, identity.Fingerprint)
		announcer.Start()
		defer announcer.Stop()
	}

	router := handler.InitRouter(identity, events)
	handler.Lifecycle.Restart = Restart
	handler.Lifecycle.Shutdown = Shutdown
	handler.Lifecycle.SetupDone = StartAnnouncer

	go watchSignals()

	common.Info(nil, `SERVER_START`, ``, ``, map[string]any{
		`version`: modules.Version,
		`port`:    config.Config.Port,
	})
	return serveLoop(router)
}

// serveLoop binds, serves, and rebinds on restart until shutdown.
func serveLoop(router http.Handler) error {
	for {
		listener, err := net.Listen(`tcp`, fmt.Sprintf(`:%d`, config.Config.Port))
		if err != nil {
			return &ConfigError{fmt.Errorf(`bind port %d: %w`, config.Config.Port, err)}
		}
		srv := &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig: &tls.Config{
				Certificates: []tls.Certificate{identity.Certificate()},
				MinVersion:   tls.VersionTLS12,
			},
		}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- srv.ServeTLS(listener, ``, ``)
		}()

		select {
		case err := <-serveErr:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-restartCh:
			stopServer(srv)
			common.Info(nil, `SERVER_RESTART`, ``, ``, nil)
			events.Publish(hub.ClassOperator, modules.EventServerStatus, map[string]any{`status`: `restarting`})
			continue
		case <-shutdownCh:
			events.Publish(hub.ClassOperator, modules.EventServerStatus, map[string]any{`status`: `stopping`})
			events.Shutdown()
			stopServer(srv)
			common.Info(nil, `SERVER_STOP`, ``, ``, nil)
			return nil
		}
	}
}

func stopServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.Close()
	}
}

// Restart signals the serve loop to rebind. Coalesces when one is
// already pending.
func Restart() {
	select {
	case restartCh <- struct{}{}:
	default:
	}
}

// Shutdown ends the process-lifetime serve loop. Safe to call twice.
func Shutdown() {
	select {
	case <-shutdownCh:
	default:
		close(shutdownCh)
	}
}

func watchSignals() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals
	common.Info(nil, `SERVER_SIGNAL`, ``, ``, nil)
	Shutdown()
}

// housekeeping sweeps decided pairing tickets.
func housekeeping() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-shutdownCh:
			return
		case <-ticker.C:
			pairing.Sweep()
		}
	}
}

// StartAnnouncer begins discovery after first-time setup completes at
// runtime.
func StartAnnouncer() {
	if announcer != nil {
		return
	}
	announcer = discovery.NewAnnouncer(config.Config.Port, identity.Fingerprint)
	announcer.Start()
}
