// config.go - Tunnel server configuration.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config provides the tunnel server configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"os"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
)

const (
	defaultAddress          = "tcp://:8443"
	defaultLogLevel         = "NOTICE"
	defaultHandshakeTimeout = 10 // seconds
	defaultIdleTimeout      = 300
	defaultConnectTimeout   = 10
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Tunnel is the tunnel server section of the configuration.
type Tunnel struct {
	// Identifier is the human readable identifier for this tunnel server
	// (eg: FQDN).
	Identifier string

	// Addresses are the listener URLs, of the form tcp://ip:port or
	// quic://ip:port.
	Addresses []string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string
}

func (tCfg *Tunnel) validate() error {
	if tCfg.Identifier == "" {
		return errors.New("config: Tunnel: Identifier is not set")
	}
	if len(tCfg.Addresses) == 0 {
		tCfg.Addresses = []string{defaultAddress}
	}
	for _, v := range tCfg.Addresses {
		u, err := url.Parse(v)
		if err != nil {
			return fmt.Errorf("config: Tunnel: Address '%v' is invalid: %v", v, err)
		}
		switch u.Scheme {
		case "tcp", "tcp4", "tcp6", "quic":
		default:
			return fmt.Errorf("config: Tunnel: Address '%v' has unsupported scheme '%v'", v, u.Scheme)
		}
	}
	if tCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(tCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Tunnel: MetricsAddress '%v' is invalid: %v", tCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Broker is the broker claim endpoint section of the configuration.
type Broker struct {
	// ClaimURL is the broker's tunnel ticket claim endpoint (eg:
	// "http://broker.example.com:7443/v1/tunnel/claim").
	ClaimURL string

	// AuthToken authenticates this tunnel server to the broker.
	AuthToken string
}

func (bCfg *Broker) validate() error {
	if bCfg.ClaimURL == "" {
		return errors.New("config: Broker: ClaimURL is not set")
	}
	if _, err := url.Parse(bCfg.ClaimURL); err != nil {
		return fmt.Errorf("config: Broker: ClaimURL '%v' is invalid: %v", bCfg.ClaimURL, err)
	}
	if bCfg.AuthToken == "" {
		return errors.New("config: Broker: AuthToken is not set")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvls := map[string]bool{
		"ERROR":   true,
		"WARNING": true,
		"NOTICE":  true,
		"INFO":    true,
		"DEBUG":   true,
	}
	if !lvls[lCfg.Level] {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Debug is the tunnel server debug configuration.
type Debug struct {
	// HandshakeTimeout is how long an accepted connection may take to
	// present a ticket id, in seconds.
	HandshakeTimeout int

	// IdleTimeout is how long a relaying session may stay silent in both
	// directions before it is torn down, in seconds.
	IdleTimeout int

	// ConnectTimeout is the backend dial timeout, in seconds.
	ConnectTimeout int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if dCfg.IdleTimeout <= 0 {
		dCfg.IdleTimeout = defaultIdleTimeout
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
}

// Config is the top level tunnel server configuration.
type Config struct {
	Tunnel  *Tunnel
	Broker  *Broker
	Logging *Logging
	Debug   *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Tunnel == nil {
		return errors.New("config: No Tunnel block was present")
	}
	if cfg.Broker == nil {
		return errors.New("config: No Broker block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Tunnel.validate(); err != nil {
		return err
	}
	if err := cfg.Broker.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()

	var err error
	cfg.Tunnel.Identifier, err = idna.Lookup.ToASCII(cfg.Tunnel.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: no nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
