// Package broker: AuthorizedKeys Script Emitter (C4).
package broker

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// KeyEmitter writes the per-connection AuthorizedKeysCommand script
// sshd invokes to resolve allowed keys for one connection's sshd_port.
type KeyEmitter struct {
	dir string
}

// NewKeyEmitter returns a KeyEmitter rooted at dir (created with
// owner-only permissions on first use).
func NewKeyEmitter(dir string) *KeyEmitter {
	return &KeyEmitter{dir: dir}
}

// scriptLine is the forced-command authorized_keys line format, with no
// interactive shell reachable even on successful authentication.
const scriptLine = `command="echo 'This account is restricted to port forwarding'",no-pty,no-agent-forwarding,no-X11-forwarding %s`

// Path returns the path Emit will write to for sshdPort, without
// writing anything.
func (k *KeyEmitter) Path(sshdPort int) string {
	return filepath.Join(k.dir, fmt.Sprintf("authorized_keys_%d", sshdPort))
}

// Emit writes the executable authorized-keys script for sshdPort,
// printing one forced-command line per key in keys. Any existing file
// at that path is removed first.
func (k *KeyEmitter) Emit(sshdPort int, keys []string) (string, error) {
	if err := os.MkdirAll(k.dir, 0700); err != nil {
		return "", errors.Annotatef(err, "creating authorized-keys folder %q", k.dir)
	}

	path := k.Path(sshdPort)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", errors.Annotatef(err, "removing stale authorized-keys script %q", path)
	}

	script := "#!/bin/sh\n"
	for _, key := range keys {
		script += fmt.Sprintf(scriptLine, key) + "\n"
	}

	if err := os.WriteFile(path, []byte(script), 0700); err != nil {
		return "", errors.Annotatef(err, "writing authorized-keys script %q", path)
	}
	// WriteFile's mode is subject to umask; set it explicitly so sshd's
	// AuthorizedKeysCommandUser can execute it regardless of the
	// process umask. A non-executable script silently yields zero
	// authorized keys.
	if err := os.Chmod(path, 0700); err != nil {
		return "", errors.Annotatef(err, "chmod authorized-keys script %q", path)
	}
	return path, nil
}

// Remove deletes the authorized-keys script for sshdPort, if present.
func (k *KeyEmitter) Remove(sshdPort int) error {
	path := k.Path(sshdPort)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Annotatef(err, "removing authorized-keys script %q", path)
	}
	return nil
}
