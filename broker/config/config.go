// config.go - Broker configuration.
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

// Package config provides the broker configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"golang.org/x/net/idna"
)

const (
	defaultAddress    = ":7443"
	defaultLogLevel   = "NOTICE"
	defaultKEMScheme  = "MLKEM768"
	defaultTicketTTL  = 60 // seconds
	defaultSweepEvery = 15 // seconds
	defaultTicketsDB  = "tickets.db"

	// BackendBolt is a BoltDB based ticket store backend.
	BackendBolt = "bolt"

	// BackendMemory is an in-memory ticket store backend.
	BackendMemory = "memory"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Broker is the broker section of the configuration.
type Broker struct {
	// Identifier is the human readable identifier for this broker
	// (eg: FQDN).
	Identifier string

	// Address is the listener address for the ticket API.
	Address string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// DataDir is the absolute path to the broker's state files.
	DataDir string

	// KEMScheme selects the key encapsulation scheme clients must use.
	KEMScheme string

	// ClaimAuthToken authenticates tunnel servers on the claim endpoint.
	ClaimAuthToken string
}

func (bCfg *Broker) validate() error {
	if bCfg.Identifier == "" {
		return errors.New("config: Broker: Identifier is not set")
	}
	if bCfg.Address == "" {
		bCfg.Address = defaultAddress
	}
	if bCfg.KEMScheme == "" {
		bCfg.KEMScheme = defaultKEMScheme
	}
	if kemschemes.ByName(bCfg.KEMScheme) == nil {
		return fmt.Errorf("config: Broker: KEMScheme '%v' is not supported", bCfg.KEMScheme)
	}
	if !filepath.IsAbs(bCfg.DataDir) {
		return fmt.Errorf("config: Broker: DataDir '%v' is not an absolute path", bCfg.DataDir)
	}
	if bCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(bCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Broker: MetricsAddress '%v' is invalid: %v", bCfg.MetricsAddress, err)
		}
	}
	if bCfg.ClaimAuthToken == "" {
		return errors.New("config: Broker: ClaimAuthToken is not set")
	}
	return nil
}

// Storage is the tunnel ticket store section of the configuration.
type Storage struct {
	// Backend selects the store implementation, either "bolt" or
	// "memory".
	Backend string

	// File is the bolt database file, relative paths are under DataDir.
	File string

	// TicketTTL is the time-to-live for unclaimed tunnel tickets in
	// seconds.
	TicketTTL int

	// SweepInterval is how often expired tickets are collected, in
	// seconds.
	SweepInterval int
}

func (sCfg *Storage) applyDefaults(bCfg *Broker) {
	if sCfg.Backend == "" {
		sCfg.Backend = BackendBolt
	}
	if sCfg.File == "" {
		sCfg.File = defaultTicketsDB
	}
	if !filepath.IsAbs(sCfg.File) {
		sCfg.File = filepath.Join(bCfg.DataDir, sCfg.File)
	}
	if sCfg.TicketTTL <= 0 {
		sCfg.TicketTTL = defaultTicketTTL
	}
	if sCfg.SweepInterval <= 0 {
		sCfg.SweepInterval = defaultSweepEvery
	}
}

func (sCfg *Storage) validate() error {
	switch sCfg.Backend {
	case BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", sCfg.Backend)
	}
	return nil
}

// Launcher configures the externally supplied launcher payload and the
// backend connection target handed out with tunneled tickets.
type Launcher struct {
	// Payload is the opaque launcher payload returned inside tickets.
	Payload string

	// PayloadFile, when set, overrides Payload with the file contents.
	PayloadFile string

	// TargetHost and TargetPort name the backend tunneled sessions are
	// connected to.
	TargetHost string
	TargetPort uint16
}

func (lCfg *Launcher) validate() error {
	if lCfg.PayloadFile != "" && !filepath.IsAbs(lCfg.PayloadFile) {
		return fmt.Errorf("config: Launcher: PayloadFile '%v' is not an absolute path", lCfg.PayloadFile)
	}
	if lCfg.TargetHost == "" {
		return errors.New("config: Launcher: TargetHost is not set")
	}
	if lCfg.TargetPort == 0 {
		return errors.New("config: Launcher: TargetPort is not set")
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

// Config is the top level broker configuration.
type Config struct {
	Broker   *Broker
	Storage  *Storage
	Launcher *Launcher
	Logging  *Logging
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load
// variants instead.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Broker == nil {
		return errors.New("config: No Broker block was present")
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Launcher == nil {
		return errors.New("config: No Launcher block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}

	if err := cfg.Broker.validate(); err != nil {
		return err
	}
	cfg.Storage.applyDefaults(cfg.Broker)
	if err := cfg.Storage.validate(); err != nil {
		return err
	}
	if err := cfg.Launcher.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}

	var err error
	cfg.Broker.Identifier, err = idna.Lookup.ToASCII(cfg.Broker.Identifier)
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
