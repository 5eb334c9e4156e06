// config_test.go - Configuration tests.
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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aharonc358/mixcascade/cascade/envelope"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := Default()
	require.Len(cfg.Stages, envelope.NumStages)
	for _, sCfg := range cfg.Stages {
		require.Equal(defaultBatchThreshold, sCfg.BatchThreshold)
		require.Equal(defaultMaxWait, sCfg.MaxWait)
		require.Equal(0, sCfg.MinDelay)
		require.Equal(defaultMaxDelay, sCfg.MaxDelay)
		require.Equal(defaultMaxQueueDepth, sCfg.MaxQueueDepth)
	}
	require.Equal(defaultLogLevel, cfg.Logging.Level)
	require.Equal(defaultDispatchSlack*time.Millisecond, cfg.Debug.DispatchSlackDuration())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	const raw = `
[Cascade]
DataDir = "/var/lib/mixcascade"

[Logging]
Level = "DEBUG"

[Debug]
DispatchSlack = 50

[[Stages]]
BatchThreshold = 4
MaxWait = 200
MinDelay = 10
MaxDelay = 50
MaxQueueDepth = 128

[[Stages]]
BatchThreshold = 8

[[Stages]]
MinDelay = 25
MaxDelay = 75
`
	cfg, err := Load([]byte(raw))
	require.NoError(err)

	require.Equal("/var/lib/mixcascade", cfg.Cascade.DataDir)
	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal(50*time.Millisecond, cfg.Debug.DispatchSlackDuration())

	require.Equal(4, cfg.Stages[0].BatchThreshold)
	require.Equal(200*time.Millisecond, cfg.Stages[0].MaxWaitDuration())
	require.Equal(10*time.Millisecond, cfg.Stages[0].MinDelayDuration())
	require.Equal(50*time.Millisecond, cfg.Stages[0].MaxDelayDuration())
	require.Equal(128, cfg.Stages[0].MaxQueueDepth)

	// Unset stage fields pick up the defaults.
	require.Equal(8, cfg.Stages[1].BatchThreshold)
	require.Equal(defaultMaxWait, cfg.Stages[1].MaxWait)
	require.Equal(defaultMaxQueueDepth, cfg.Stages[1].MaxQueueDepth)
	require.Equal(25, cfg.Stages[2].MinDelay)
}

// TestLoadConfigExplicitZero pins the documented TOML limitation: zero and
// unset are indistinguishable, so an explicit zero selects the default.
func TestLoadConfigExplicitZero(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg, err := Load([]byte(`
[[Stages]]
BatchThreshold = 0
MaxWait = 0
MinDelay = 0
MaxDelay = 0
MaxQueueDepth = 0
[[Stages]]
[[Stages]]
`))
	require.NoError(err)
	require.Equal(defaultBatchThreshold, cfg.Stages[0].BatchThreshold)
	require.Equal(defaultMaxWait, cfg.Stages[0].MaxWait)
	require.Equal(0, cfg.Stages[0].MinDelay)
	require.Equal(defaultMaxDelay, cfg.Stages[0].MaxDelay)
	require.Equal(defaultMaxQueueDepth, cfg.Stages[0].MaxQueueDepth)
}

func TestLoadConfigRejects(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "nil config")

	_, err = Load([]byte(`
[[Stages]]
[[Stages]]
`))
	require.Error(err, "wrong stage count")

	_, err = Load([]byte(`
[[Stages]]
MinDelay = 100
MaxDelay = 50
[[Stages]]
[[Stages]]
`))
	require.Error(err, "MaxDelay < MinDelay")

	_, err = Load([]byte(`
[Logging]
Level = "LOUD"
`))
	require.Error(err, "invalid log level")

	_, err = Load([]byte(`
[Cascade]
DataDir = "relative/path"
`))
	require.Error(err, "relative DataDir")

	_, err = Load([]byte(`
[Cascade]
NoSuchKey = true
`))
	require.Error(err, "undecoded keys")
}
