// main.go - Mix cascade daemon binary.
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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/aharonc358/mixcascade/cascade"
	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/config"
)

type cmdConfig struct {
	configFile string
	selfTest   int
}

func newRootCommand() *cobra.Command {
	var cfg cmdConfig

	cmd := &cobra.Command{
		Use:   "cascaded",
		Short: "Mix cascade daemon",
		Long: `cascaded runs a standalone three stage mixing cascade.

Each stage batches incoming envelopes, shuffles every batch with a
cryptographically secure permutation, and forwards each envelope after an
independently drawn random delay.  This breaks the arrival-to-departure
correlation an observer of any single stage could otherwise exploit.

The daemon is intended for operating and exercising a cascade in isolation;
production deployments embed the cascade library behind their own transport
and delivery collaborators.`,
		Example: `  # Run with a configuration file, logging deliveries
  cascaded --config /etc/mixcascade/cascade.toml

  # Push 100 envelopes through the cascade and verify exactly-once delivery
  cascaded --config cascade.toml --self-test 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCascade(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.configFile, "config", "f", "",
		"path to the cascade configuration file (TOML format)")
	cmd.Flags().IntVar(&cfg.selfTest, "self-test", 0,
		"inject N envelopes, verify exactly-once delivery and exit")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", path, err)
	}
	return cfg, nil
}

func runCascade(cmdCfg cmdConfig) error {
	cfg, err := loadConfig(cmdCfg.configFile)
	if err != nil {
		return err
	}

	if cmdCfg.selfTest > 0 {
		return runSelfTest(cfg, cmdCfg.selfTest)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	c, err := cascade.New(cfg, logSink{})
	if err != nil {
		return err
	}
	defer c.Shutdown()

	<-haltCh
	return nil
}

// logSink reports deliveries on stdout.  A real deployment replaces this
// with the transport collaborator's delivery hook.
type logSink struct{}

func (logSink) Deliver(env *envelope.Envelope, transit time.Duration) {
	fmt.Printf("delivered %v -> %v after %v via stages %v\n",
		env.ID, env.Destination, transit, env.ProcessedBy)
}

type chanSink struct {
	ch chan *envelope.Envelope
}

func (s chanSink) Deliver(env *envelope.Envelope, transit time.Duration) {
	s.ch <- env
}

// runSelfTest pushes count envelopes through the full cascade and verifies
// that each one is delivered exactly once with all stages recorded.
func runSelfTest(cfg *config.Config, count int) error {
	sink := chanSink{ch: make(chan *envelope.Envelope, count)}
	c, err := cascade.New(cfg, sink)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	start := time.Now()
	ids := make(map[string]bool, count)
	for i := 0; i < count; i++ {
		var raw [8]byte
		if _, err := rand.Reader.Read(raw[:]); err != nil {
			return err
		}
		id := hex.EncodeToString(raw[:])
		payload := []byte(fmt.Sprintf("self-test payload %d", i))
		if err := c.Submit(id, payload, "self-test"); err != nil {
			return fmt.Errorf("submit %v: %v", id, err)
		}
		ids[id] = false
	}

	deadline := time.After(selfTestDeadline(cfg))
	for delivered := 0; delivered < count; {
		select {
		case env := <-sink.ch:
			seen, ok := ids[env.ID]
			if !ok {
				return fmt.Errorf("self-test: delivery of unknown envelope %v", env.ID)
			}
			if seen {
				return fmt.Errorf("self-test: duplicate delivery of envelope %v", env.ID)
			}
			if len(env.ProcessedBy) != envelope.NumStages {
				return fmt.Errorf("self-test: envelope %v transited %d stages", env.ID, len(env.ProcessedBy))
			}
			ids[env.ID] = true
			delivered++
		case <-deadline:
			return fmt.Errorf("self-test: timed out with %d envelopes outstanding", c.NumInFlight())
		}
	}

	fmt.Printf("self-test: %d envelopes delivered exactly once in %v\n", count, time.Since(start))
	return nil
}

// selfTestDeadline bounds the worst case transit of the last envelope: a
// full max wait plus a max delay at each of the three stages, padded for
// scheduling overhead.
func selfTestDeadline(cfg *config.Config) time.Duration {
	d := 10 * time.Second
	for _, s := range cfg.Stages {
		d += s.MaxWaitDuration() + s.MaxDelayDuration()
	}
	return d
}
