package broker

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/jpillora/backoff"

	"github.com/kensa-tunnel/broker/internal/hostkeys"
	"github.com/kensa-tunnel/broker/internal/logging"
)

// readinessBackoff bounds the post-spawn probe: sshd on a busy host can
// take a few hundred milliseconds to bind, but a supervisor that never
// gives up can wedge the engine behind a child that will never come up.
var readinessBackoff = backoff.Backoff{
	Min:    20 * time.Millisecond,
	Max:    200 * time.Millisecond,
	Factor: 2,
}

const readinessAttempts = 15

// SupervisedChild wraps one spawned sshd process.
type SupervisedChild struct {
	cmd      *exec.Cmd
	sshdPort int

	mu               sync.Mutex
	exited           bool
	exitErr          error
	onUnexpectedExit func(*SupervisedChild, error)
}

// SSHDSupervisor spawns and tracks hardened sshd instances (C5).
type SSHDSupervisor struct {
	binary         string
	forwardingUser string
	hostKeys       hostkeys.Paths
	clock          clock.Clock
	log            logging.Logger
}

// NewSSHDSupervisor builds a supervisor that spawns binary (normally
// /usr/bin/sshd, resolved at preflight) for forwardingUser, presenting
// hostKeys. clk supplies the readiness-probe's sleep so tests can
// substitute a fake clock instead of waiting on wall time.
func NewSSHDSupervisor(binary, forwardingUser string, hostKeys hostkeys.Paths, clk clock.Clock, log logging.Logger) *SSHDSupervisor {
	return &SSHDSupervisor{
		binary:         binary,
		forwardingUser: forwardingUser,
		hostKeys:       hostKeys,
		clock:          clk,
		log:            log,
	}
}

// buildArgs constructs the sshd command line per the mandatory option
// table: every relevant setting is supplied with -o against a blank
// -f /dev/null base config, so nothing from the host's system-wide
// sshd_config leaks in.
func (s *SSHDSupervisor) buildArgs(sshdPort, localPort int, authorizedKeysScript string) []string {
	args := []string{
		"-D",
		"-f", "/dev/null",
		"-o", fmt.Sprintf("AllowUsers=%s", s.forwardingUser),
		"-o", "PasswordAuthentication=no",
		"-o", "PubkeyAuthentication=yes",
		"-o", "AllowTcpForwarding=yes",
		"-o", "PermitTunnel=no",
		"-o", "PermitRootLogin=no",
		"-o", "X11Forwarding=no",
		"-o", "PermitUserEnvironment=no",
		"-o", "AllowAgentForwarding=no",
		"-o", fmt.Sprintf("Port=%d", sshdPort),
		"-o", fmt.Sprintf("PermitOpen=localhost:%d", localPort),
		"-o", "AuthorizedKeysCommandUser=nobody",
		"-o", fmt.Sprintf("AuthorizedKeysCommand=%s", authorizedKeysScript),
	}
	for _, hk := range s.hostKeys.All() {
		args = append(args, "-o", fmt.Sprintf("HostKey=%s", hk))
	}
	return args
}

// Spawn starts sshd for one connection and blocks until it either
// accepts TCP connections on sshdPort or the readiness budget is
// exhausted, in which case the child is killed and an Internal error is
// returned. onUnexpectedExit, if non-nil, is invoked from a background
// goroutine if the child exits on its own after Spawn has returned
// successfully (crash, killed by another process, etc.) -- never for
// the deliberate Kill path.
func (s *SSHDSupervisor) Spawn(ctx context.Context, sshdPort, localPort int, authorizedKeysScript string, onUnexpectedExit func(*SupervisedChild, error)) (*SupervisedChild, error) {
	args := s.buildArgs(sshdPort, localPort, authorizedKeysScript)
	cmd := exec.Command(s.binary, args...)

	if err := cmd.Start(); err != nil {
		return nil, errors.Annotatef(err, "starting sshd on port %d", sshdPort)
	}

	child := &SupervisedChild{
		cmd:              cmd,
		sshdPort:         sshdPort,
		onUnexpectedExit: onUnexpectedExit,
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	if err := s.awaitReady(ctx, sshdPort, waitErr); err != nil {
		_ = child.kill()
		return nil, err
	}

	go child.watch(waitErr)
	return child, nil
}

// awaitReady retries a TCP dial against sshdPort until it succeeds, the
// readiness budget is exhausted, or the child exits before ever coming
// up -- whichever happens first.
func (s *SSHDSupervisor) awaitReady(ctx context.Context, sshdPort int, waitErr chan error) error {
	b := readinessBackoff
	b.Jitter = false
	target := fmt.Sprintf("localhost:%d", sshdPort)

	for attempt := 0; attempt < readinessAttempts; attempt++ {
		select {
		case err := <-waitErr:
			return errors.Annotatef(err, "sshd on port %d exited during warm-up", sshdPort)
		default:
		}

		conn, err := net.DialTimeout("tcp", target, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		s.log.TLogf("readiness probe for port %d attempt %d: %s", sshdPort, attempt, err)

		select {
		case <-s.clock.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Errorf("sshd on port %d did not become ready within the retry budget", sshdPort)
}

// watch blocks until the already-started child exits and, unless Kill
// already marked the exit expected, reports it upward so the lifecycle
// reaper can reconcile the connection registry.
func (c *SupervisedChild) watch(waitErr chan error) {
	err := <-waitErr
	c.mu.Lock()
	c.exited = true
	c.exitErr = err
	cb := c.onUnexpectedExit
	c.mu.Unlock()
	if cb != nil {
		cb(c, err)
	}
}

// kill is the internal teardown path used both by Kill and by a failed
// readiness probe; it suppresses the unexpected-exit callback since the
// exit here is expected.
func (c *SupervisedChild) kill() error {
	c.mu.Lock()
	c.onUnexpectedExit = nil
	already := c.exited
	c.mu.Unlock()
	if already {
		return nil
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Kill terminates the child sshd process. Safe to call more than once
// and safe to call after the child has already exited on its own.
func (c *SupervisedChild) Kill() error {
	return c.kill()
}

// SSHDPort reports the port this child is bound to.
func (c *SupervisedChild) SSHDPort() int {
	return c.sshdPort
}
