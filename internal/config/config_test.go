package config

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/multierr"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if c.LocalID == "" || c.LocalID == Default().LocalID {
		t.Fatalf("local id %q should be random", c.LocalID)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	c, err := FromLookup(env(map[string]string{
		"PEERLINK_TRANSPORT":                "lan",
		"PEERLINK_NAME":                     "Kitchen",
		"PEERLINK_CONNECT_TIMEOUT":          "5s",
		"PEERLINK_SUPPRESS_WHILE_CONNECTED": "true",
		"PEERLINK_LAN_INTERVAL":             "500ms",
		"PEERLINK_P2P_LISTEN":               "/ip4/127.0.0.1/tcp/4001, /ip4/0.0.0.0/tcp/4002",
		"PEERLINK_ID":                       "",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if c.Transport != TransportLAN || c.LocalName != "Kitchen" || c.ConnectTimeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if !c.SuppressWhileConnected || c.LANInterval != 500*time.Millisecond {
		t.Fatalf("overrides not applied: %+v", c)
	}
	if len(c.P2PListen) != 2 || c.P2PListen[1] != "/ip4/0.0.0.0/tcp/4002" {
		t.Fatalf("p2p listen %q", c.P2PListen)
	}
	if c.LocalID == "" {
		t.Fatal("empty variable cleared the default id")
	}
	if err := c.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestEnvironmentParseErrorsAccumulate(t *testing.T) {
	c, err := FromLookup(env(map[string]string{
		"PEERLINK_CONNECT_TIMEOUT":          "soon",
		"PEERLINK_SUPPRESS_WHILE_CONNECTED": "maybe",
	}))
	if n := len(multierr.Errors(err)); n != 2 {
		t.Fatalf("have %d errors (%v) want 2", n, err)
	}
	if c.ConnectTimeout != Default().ConnectTimeout {
		t.Fatal("bad value replaced the default")
	}
}

func TestValidateReportsEverything(t *testing.T) {
	c := Default()
	c.Transport = "carrier-pigeon"
	c.LocalName = " "
	c.LogLevel = "loud"
	c.ConnectTimeout = 0
	errs := multierr.Errors(c.Validate())
	if len(errs) != 4 {
		t.Fatalf("have %d errors: %v", len(errs), errs)
	}

	lanCfg := Default()
	lanCfg.Transport = TransportLAN
	lanCfg.LANGroup = "10.0.0.1:4000"
	lanCfg.LANListen = "nope"
	if n := len(multierr.Errors(lanCfg.Validate())); n != 2 {
		t.Fatalf("lan: have %d errors", n)
	}

	p2pCfg := Default()
	p2pCfg.Transport = TransportP2P
	p2pCfg.P2PListen = []string{"/ip4/127.0.0.1/tcp/1", "tcp://x"}
	err := p2pCfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "tcp://x") {
		t.Fatalf("p2p: %v", err)
	}
}
