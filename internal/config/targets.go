package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Target is one remote host the bridge may open shells on.
type Target struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
}

// Targets is the allowlist of remote hosts. An empty list allows any host.
type Targets struct {
	Targets []Target `yaml:"targets"`
}

// LoadTargets parses the YAML allowlist at path. An empty path yields an
// empty (allow-all) list.
func LoadTargets(path string) (*Targets, error) {
	if path == "" {
		return &Targets{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes and validates a YAML allowlist document.
func ParseTargets(data []byte) (*Targets, error) {
	var t Targets
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}
	for i := range t.Targets {
		tg := &t.Targets[i]
		if tg.Host == "" {
			return nil, fmt.Errorf("target %d: host is required", i)
		}
		if tg.Port == 0 {
			tg.Port = 22
		}
		if tg.Port < 0 || tg.Port > 65535 {
			return nil, fmt.Errorf("target %q: port %d out of range", tg.Host, tg.Port)
		}
	}
	return &t, nil
}

// Allows reports whether a connection to host:port as username is permitted.
func (t *Targets) Allows(host string, port int, username string) bool {
	if t == nil || len(t.Targets) == 0 {
		return true
	}
	for _, tg := range t.Targets {
		if !strings.EqualFold(tg.Host, host) || tg.Port != port {
			continue
		}
		if tg.Username != "" && tg.Username != username {
			continue
		}
		return true
	}
	return false
}

// Addrs returns host:port strings for logging.
func (t *Targets) Addrs() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Targets))
	for _, tg := range t.Targets {
		out = append(out, net.JoinHostPort(tg.Host, strconv.Itoa(tg.Port)))
	}
	return out
}
