// Package config gathers the settings of a peerlink node: defaults, then
// PEERLINK_* environment overrides, then command-line flags on top.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	maddr "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"bluetooth-peerlink/internal/coordinator"
	"bluetooth-peerlink/internal/transport/bluez"
	"bluetooth-peerlink/internal/transport/lan"
	"bluetooth-peerlink/internal/transport/p2p"
)

// Transport kinds.
const (
	TransportBlueZ = "bluez"
	TransportLAN   = "lan"
	TransportP2P   = "p2p"
)

// Config is the full node configuration.
type Config struct {
	Transport string
	LocalID   string
	LocalName string
	LogLevel  string

	ConnectTimeout         time.Duration
	SuppressWhileConnected bool

	ScanWindow time.Duration // bluez

	LANGroup    string // lan
	LANListen   string
	LANInterval time.Duration

	P2PListen     []string // p2p
	P2PServiceTag string
}

// Default returns a configuration that runs over Bluetooth with a random id
// and the host name as display name.
func Default() Config {
	name, err := os.Hostname()
	if err != nil || name == "" {
		name = "peerlink"
	}
	return Config{
		Transport:      TransportBlueZ,
		LocalID:        randomID(),
		LocalName:      name,
		LogLevel:       "info",
		ConnectTimeout: coordinator.DefaultConnectTimeout,
		ScanWindow:     bluez.DefaultScanWindow,
		LANGroup:       lan.DefaultGroup,
		LANListen:      ":0",
		LANInterval:    lan.DefaultInterval,
		P2PListen:      []string{"/ip4/0.0.0.0/tcp/0"},
		P2PServiceTag:  p2p.DefaultServiceTag,
	}
}

func randomID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(b[:])
}

// FromEnv returns Default overridden by the process environment.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup returns Default overridden by the variables lookup reports.
// Unparsable values are collected into the returned error and leave the
// default in place.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: %s: %w", key, err))
			return
		}
		*dst = d
	}

	str("PEERLINK_TRANSPORT", &c.Transport)
	str("PEERLINK_ID", &c.LocalID)
	str("PEERLINK_NAME", &c.LocalName)
	str("PEERLINK_LOG_LEVEL", &c.LogLevel)
	dur("PEERLINK_CONNECT_TIMEOUT", &c.ConnectTimeout)
	if v, ok := lookup("PEERLINK_SUPPRESS_WHILE_CONNECTED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("config: PEERLINK_SUPPRESS_WHILE_CONNECTED: %w", err))
		} else {
			c.SuppressWhileConnected = b
		}
	}
	dur("PEERLINK_SCAN_WINDOW", &c.ScanWindow)
	str("PEERLINK_LAN_GROUP", &c.LANGroup)
	str("PEERLINK_LAN_LISTEN", &c.LANListen)
	dur("PEERLINK_LAN_INTERVAL", &c.LANInterval)
	if v, ok := lookup("PEERLINK_P2P_LISTEN"); ok && v != "" {
		c.P2PListen = splitList(v)
	}
	str("PEERLINK_P2P_SERVICE_TAG", &c.P2PServiceTag)

	return c, errs
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch c.Transport {
	case TransportBlueZ, TransportLAN, TransportP2P:
	default:
		add("unknown transport %q (want %s, %s or %s)", c.Transport, TransportBlueZ, TransportLAN, TransportP2P)
	}
	if strings.TrimSpace(c.LocalID) == "" {
		add("local id is empty")
	}
	if strings.TrimSpace(c.LocalName) == "" {
		add("local name is empty")
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		add("log level %q: %v", c.LogLevel, err)
	}
	if c.ConnectTimeout <= 0 {
		add("connect timeout must be positive, got %s", c.ConnectTimeout)
	}

	switch c.Transport {
	case TransportBlueZ:
		if c.ScanWindow <= 0 {
			add("scan window must be positive, got %s", c.ScanWindow)
		}
	case TransportLAN:
		if a, err := net.ResolveUDPAddr("udp4", c.LANGroup); err != nil {
			add("lan group %q: %v", c.LANGroup, err)
		} else if !a.IP.IsMulticast() {
			add("lan group %q is not a multicast address", c.LANGroup)
		}
		if _, _, err := net.SplitHostPort(c.LANListen); err != nil {
			add("lan listen %q: %v", c.LANListen, err)
		}
		if c.LANInterval <= 0 {
			add("lan interval must be positive, got %s", c.LANInterval)
		}
	case TransportP2P:
		if len(c.P2PListen) == 0 {
			add("no p2p listen address")
		}
		for _, s := range c.P2PListen {
			if _, err := maddr.NewMultiaddr(s); err != nil {
				add("p2p listen %q: %v", s, err)
			}
		}
		if c.P2PServiceTag == "" {
			add("p2p service tag is empty")
		}
	}
	return errs
}
