// config.go - Mix cascade configuration.
// Copyright (C) 2026  mixcascade authors.
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

// Package config provides the mix cascade configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/core/log"
)

const (
	defaultLogLevel = "NOTICE"

	// Defaults inherited from the reference deployment.
	defaultBatchThreshold = 3
	defaultMaxWait        = 1000 // 1 sec.
	defaultMaxDelay       = 500  // 500 ms.
	defaultMaxQueueDepth  = 1024

	defaultDispatchSlack = 150 // 150 ms.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Cascade is the cascade-wide configuration.
type Cascade struct {
	// DataDir is the absolute path to the cascade's state directory.  If
	// set, each stage spills its delay queue to a BoltDB file under this
	// directory instead of holding scheduled envelopes in memory.
	DataDir string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to, if any.
	MetricsAddress string
}

func (cCfg *Cascade) validate() error {
	if cCfg.DataDir != "" && !filepath.IsAbs(cCfg.DataDir) {
		return fmt.Errorf("config: Cascade: DataDir '%v' is not an absolute path", cCfg.DataDir)
	}
	return nil
}

// Stage is the per-stage mixing configuration.  All durations are in
// milliseconds.
//
// TOML cannot distinguish an omitted key from an explicit zero, so a zero
// BatchThreshold, MaxWait, MaxDelay or MaxQueueDepth selects the default
// for that field.  A delay-free stage is therefore not expressible; the
// closest configuration is MaxDelay = 1.
type Stage struct {
	// BatchThreshold is the pending batch size that triggers an immediate
	// flush.  Zero selects the default (3).
	BatchThreshold int

	// MaxWait is the maximum amount of time an envelope will sit in a
	// pending batch before a flush is forced, in milliseconds.  Zero
	// selects the default (1000).
	MaxWait int

	// MinDelay/MaxDelay bound the uniformly distributed per-envelope
	// forwarding delay drawn at flush time, in milliseconds.  A zero
	// MaxDelay selects the default (500).
	MinDelay int
	MaxDelay int

	// MaxQueueDepth caps the stage's pending batch plus its in-flight
	// delayed envelopes.  Enqueues past the cap are rejected.  Zero
	// selects the default (1024).
	MaxQueueDepth int
}

func (sCfg *Stage) validate(idx int) error {
	if sCfg.BatchThreshold <= 0 {
		return fmt.Errorf("config: Stages[%d]: BatchThreshold must be positive", idx)
	}
	if sCfg.MaxWait <= 0 {
		return fmt.Errorf("config: Stages[%d]: MaxWait must be positive", idx)
	}
	if sCfg.MinDelay < 0 {
		return fmt.Errorf("config: Stages[%d]: MinDelay must not be negative", idx)
	}
	if sCfg.MaxDelay < sCfg.MinDelay {
		return fmt.Errorf("config: Stages[%d]: MaxDelay %d < MinDelay %d", idx, sCfg.MaxDelay, sCfg.MinDelay)
	}
	if sCfg.MaxQueueDepth <= 0 {
		return fmt.Errorf("config: Stages[%d]: MaxQueueDepth must be positive", idx)
	}
	return nil
}

func (sCfg *Stage) applyDefaults() {
	if sCfg.BatchThreshold == 0 {
		sCfg.BatchThreshold = defaultBatchThreshold
	}
	if sCfg.MaxWait == 0 {
		sCfg.MaxWait = defaultMaxWait
	}
	if sCfg.MaxDelay == 0 {
		sCfg.MaxDelay = defaultMaxDelay
	}
	if sCfg.MaxQueueDepth == 0 {
		sCfg.MaxQueueDepth = defaultMaxQueueDepth
	}
}

// MaxWaitDuration returns MaxWait as a time.Duration.
func (sCfg *Stage) MaxWaitDuration() time.Duration {
	return time.Duration(sCfg.MaxWait) * time.Millisecond
}

// MinDelayDuration returns MinDelay as a time.Duration.
func (sCfg *Stage) MinDelayDuration() time.Duration {
	return time.Duration(sCfg.MinDelay) * time.Millisecond
}

// MaxDelayDuration returns MaxDelay as a time.Duration.
func (sCfg *Stage) MaxDelayDuration() time.Duration {
	return time.Duration(sCfg.MaxDelay) * time.Millisecond
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
	if err := log.ValidateLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// DispatchSlack is the maximum allowed overshoot past an envelope's
	// scheduled dispatch time before it is dispatched anyway with a
	// warning, in milliseconds.  Purely diagnostic.
	DispatchSlack int
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.DispatchSlack <= 0 {
		dCfg.DispatchSlack = defaultDispatchSlack
	}
}

// DispatchSlackDuration returns DispatchSlack as a time.Duration.
func (dCfg *Debug) DispatchSlackDuration() time.Duration {
	return time.Duration(dCfg.DispatchSlack) * time.Millisecond
}

// Config is the top level mix cascade configuration.
type Config struct {
	Cascade *Cascade
	Logging *Logging
	Debug   *Debug

	// Stages configures each mixing stage, in cascade order.  Exactly
	// envelope.NumStages entries are required.
	Stages []*Stage
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Cascade == nil {
		cfg.Cascade = &Cascade{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Debug.applyDefaults()

	if len(cfg.Stages) == 0 {
		cfg.Stages = make([]*Stage, envelope.NumStages)
		for i := range cfg.Stages {
			cfg.Stages[i] = &Stage{}
		}
	}
	if len(cfg.Stages) != envelope.NumStages {
		return fmt.Errorf("config: expected %d Stages sections, got %d", envelope.NumStages, len(cfg.Stages))
	}

	if err := cfg.Cascade.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	for i, sCfg := range cfg.Stages {
		sCfg.applyDefaults()
		if err := sCfg.validate(i); err != nil {
			return err
		}
	}
	return nil
}

// Load parses and validates b as a mix cascade configuration in TOML format
// and returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("config: No configuration provided")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
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

// Default returns a validated all-defaults configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic("BUG: default config failed validation: " + err.Error())
	}
	return cfg
}
