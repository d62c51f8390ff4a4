// Package hostkeys bootstraps the three SSH host-key files the child
// sshd instances present (RSA, ECDSA, Ed25519), generating any that are
// missing. This is the one-shot, file-producing utility the core
// signaling/allocation/supervision design treats as an external
// collaborator; it still has to exist for the binary to run.
package hostkeys

import (
	"os"
	"os/exec"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/kensa-tunnel/broker/internal/logging"
)

// keySpec describes one host-key file and the ssh-keygen arguments
// needed to produce it.
type keySpec struct {
	filename string
	keyType  string
	extraArgs []string
}

var specs = []keySpec{
	{filename: "ssh_host_rsa_key", keyType: "rsa", extraArgs: []string{"-b", "4096"}},
	{filename: "ssh_host_ecdsa_key", keyType: "ecdsa"},
	{filename: "ssh_host_ed25519_key", keyType: "ed25519"},
}

// Paths holds the paths to the three bootstrapped host-key files, each
// joined onto the keys folder (so relative when that folder is), in
// the order sshd's HostKey option expects them to be listed.
type Paths struct {
	RSAKey     string
	ECDSAKey   string
	Ed25519Key string
}

// All returns the three paths in HostKey option order.
func (p Paths) All() []string {
	return []string{p.RSAKey, p.ECDSAKey, p.Ed25519Key}
}

// Ensure makes sure all three host-key files exist under folder,
// generating any that are absent with ssh-keygen, and returns their
// paths. folder is created if necessary.
func Ensure(folder string, log logging.Logger) (Paths, error) {
	if err := os.MkdirAll(folder, 0700); err != nil {
		return Paths{}, errors.Annotatef(err, "creating keys folder %q", folder)
	}

	paths := make([]string, len(specs))
	for i, spec := range specs {
		path := filepath.Join(folder, spec.filename)
		paths[i] = path
		if _, err := os.Stat(path); err == nil {
			log.DLogf("host key %q already present", path)
			continue
		} else if !os.IsNotExist(err) {
			return Paths{}, errors.Annotatef(err, "statting host key %q", path)
		}

		log.ILogf("generating missing host key %q (%s)", path, spec.keyType)
		args := append([]string{"-t", spec.keyType, "-f", path, "-N", ""}, spec.extraArgs...)
		cmd := exec.Command("ssh-keygen", args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			return Paths{}, errors.Annotatef(err, "ssh-keygen for %q failed: %s", path, string(out))
		}
	}

	return Paths{RSAKey: paths[0], ECDSAKey: paths[1], Ed25519Key: paths[2]}, nil
}
