// Package config loads the broker's environment-variable configuration.
//
// The broker takes no config file; every setting is an environment
// variable, per the external interface this process exposes. viper's
// AutomaticEnv binding is used instead of hand-rolled os.Getenv calls so
// that defaults, type coercion, and the absent-vs-empty distinction are
// handled consistently.
package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/viper"
)

// Config holds the broker's runtime configuration.
type Config struct {
	// ServerPort is the TCP port the websocket listener binds to.
	ServerPort int

	// ForwardingUser is the system user the child sshd admits logins for.
	ForwardingUser string

	// OpenedPorts is the configured candidate set of sshd ports, P_sshd,
	// sorted ascending. The allocator's local-port floor is one above the
	// last element.
	OpenedPorts []int

	// KeysFolder holds the three host-key files.
	KeysFolder string

	// LogLevel is one of trace|debug|info|warn|error.
	LogLevel string

	// DebugHTTP, when true, wraps the HTTP handler with request logging.
	DebugHTTP bool
}

// Load reads configuration from the process environment. It validates
// the required fields and returns an error rather than exiting; the CLI
// entrypoint decides what to do with a load failure.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetDefault("SERVER_PORT", 7856)
	v.SetDefault("KEYS_FOLDER", "keys")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG_HTTP", false)

	forwardingUser := v.GetString("FORWARDING_USER")
	if forwardingUser == "" {
		return nil, errors.NotValidf("FORWARDING_USER (required, empty)")
	}

	openedPortsRaw := v.GetString("OPENED_PORTS")
	ports, err := parsePortList(openedPortsRaw)
	if err != nil {
		return nil, errors.Annotate(err, "OPENED_PORTS")
	}
	if len(ports) == 0 {
		return nil, errors.NotValidf("OPENED_PORTS (required, empty)")
	}

	cfg := &Config{
		ServerPort:     v.GetInt("SERVER_PORT"),
		ForwardingUser: forwardingUser,
		OpenedPorts:    ports,
		KeysFolder:     v.GetString("KEYS_FOLDER"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		DebugHTTP:      v.GetBool("DEBUG_HTTP"),
	}
	return cfg, nil
}

// MaxOpenedPort returns the largest configured sshd port. OpenedPorts is
// always non-empty on a successfully loaded Config.
func (c *Config) MaxOpenedPort() int {
	return c.OpenedPorts[len(c.OpenedPorts)-1]
}

func parsePortList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	fields := strings.Split(raw, ",")
	seen := make(map[int]bool, len(fields))
	ports := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		p, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.NotValidf("port value %q", f)
		}
		if p < 1 || p > 65535 {
			return nil, errors.NotValidf("port value %d (must be in [1, 65535])", p)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports, nil
}

// ValidatePort checks that a port number is in the wire-protocol's valid
// range, [1, 65535].
func ValidatePort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", p)
	}
	return nil
}
