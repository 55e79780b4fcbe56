package config

import (
	"fmt"
	"strconv"

	"github.com/spf13/pflag"
)

// Option names understood by ApplyArgs. They double as the CLI flag names.
const (
	ArgPort      = "port"
	ArgStatus    = "status"
	ArgUDPGW     = "udpgw"
	ArgIPv4Only  = "ipv4-only"
	ArgLogLevel  = "log-level"
	ArgLogFormat = "log-format"
)

// ArgSource resolves an option name to a value the user supplied.
// ok is false when the option was not given.
type ArgSource interface {
	Lookup(name string) (value string, ok bool)
}

// ArgMap is an ArgSource backed by a plain map.
type ArgMap map[string]string

// Lookup implements ArgSource.
func (m ArgMap) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

type flagArgs struct {
	fs *pflag.FlagSet
}

// FlagArgs adapts a parsed flag set. Only flags set explicitly on the command
// line are reported, so flag defaults never mask values from a config file.
func FlagArgs(fs *pflag.FlagSet) ArgSource {
	return flagArgs{fs: fs}
}

func (f flagArgs) Lookup(name string) (string, bool) {
	flag := f.fs.Lookup(name)
	if flag == nil || !flag.Changed {
		return "", false
	}
	return flag.Value.String(), true
}

// ApplyArgs overlays values from src onto c and re-validates the result.
func (c *Config) ApplyArgs(src ArgSource) error {
	if v, ok := src.Lookup(ArgPort); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("invalid --%s %q: %w", ArgPort, v, err)
		}
		c.Listen.Port = int(port)
	}
	if v, ok := src.Lookup(ArgStatus); ok {
		c.Handshake.Status = v
	}
	if v, ok := src.Lookup(ArgUDPGW); ok {
		c.Backends.UDPGW = v
	}
	if v, ok := src.Lookup(ArgIPv4Only); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid --%s %q: %w", ArgIPv4Only, v, err)
		}
		c.Listen.IPv4Only = b
	}
	if v, ok := src.Lookup(ArgLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := src.Lookup(ArgLogFormat); ok {
		c.Log.Format = v
	}

	return c.Validate()
}
