// Command brokerd is the rendezvous/tunnel-broker server: it accepts
// websocket connections from sender and receiver agents, negotiates
// tunnel approval, and supervises the hardened sshd children that carry
// the actual forwarded traffic.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"

	"github.com/kensa-tunnel/broker/internal/broker"
	"github.com/kensa-tunnel/broker/internal/config"
	"github.com/kensa-tunnel/broker/internal/hostkeys"
	"github.com/kensa-tunnel/broker/internal/logging"
	"github.com/kensa-tunnel/broker/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := logging.New("brokerd", logging.ParseLevel(cfg.LogLevel))

	sshdBinary, err := preflight(cfg, log)
	if err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	keyPaths, err := hostkeys.Ensure(cfg.KeysFolder, log.Fork("hostkeys"))
	if err != nil {
		return fmt.Errorf("bootstrapping host keys: %w", err)
	}

	scriptDir := filepath.Join(os.TempDir(), "authorized_keys")
	keys := broker.NewKeyEmitter(scriptDir)
	registries := broker.NewRegistries(cfg.OpenedPorts)
	supervisor := broker.NewSSHDSupervisor(sshdBinary, cfg.ForwardingUser, keyPaths, clock.WallClock, log.Fork("sshd"))
	engine := broker.NewEngine(registries, keys, supervisor, cfg.ForwardingUser, log.Fork("engine"))
	defer engine.Close()

	watchHostKeys(cfg.KeysFolder, log.Fork("hostkeys"))

	srv := transport.NewServer(engine, log.Fork("transport"), cfg.DebugHTTP)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.ILogf("brokerd starting on port %d for user %q, sshd ports %v", cfg.ServerPort, cfg.ForwardingUser, cfg.OpenedPorts)
	return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.ServerPort))
}

// preflight validates the environment this process needs before it can
// accept connections: an sshd binary on PATH and an existing system user
// to admit forwarding logins for. OPENED_PORTS and FORWARDING_USER's
// mere presence is already checked by config.Load; this checks that
// FORWARDING_USER actually resolves to a user on this host.
func preflight(cfg *config.Config, log logging.Logger) (string, error) {
	sshdBinary, err := exec.LookPath("sshd")
	if err != nil {
		return "", fmt.Errorf("sshd binary not found on PATH: %w", err)
	}
	log.DLogf("using sshd binary %q", sshdBinary)

	if _, err := user.Lookup(cfg.ForwardingUser); err != nil {
		return "", fmt.Errorf("FORWARDING_USER %q does not resolve to a system user: %w", cfg.ForwardingUser, err)
	}

	return sshdBinary, nil
}

// watchHostKeys logs a warning, never fatal, if a host-key file under
// folder is removed or replaced while the server is running: sshd reads
// the files named on its command line at spawn time, so a key swapped
// out from under an already-running child silently changes what future
// children present without anyone noticing unless this is logged.
func watchHostKeys(folder string, log logging.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WLogf("starting host key watcher: %s", err)
		return
	}
	if err := watcher.Add(folder); err != nil {
		log.WLogf("watching keys folder %q: %s", folder, err)
		watcher.Close()
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Remove|fsnotify.Write|fsnotify.Rename) != 0 {
					log.WLogf("host key file %q changed on disk (%s)", event.Name, event.Op)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WLogf("host key watcher error: %s", err)
			}
		}
	}()
}
