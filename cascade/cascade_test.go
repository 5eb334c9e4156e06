// cascade_test.go - Cascade end to end tests.
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

package cascade

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/config"
)

type delivery struct {
	env     *envelope.Envelope
	transit time.Duration
}

type chanSink struct {
	ch chan delivery
}

func (s *chanSink) Deliver(env *envelope.Envelope, transit time.Duration) {
	s.ch <- delivery{env: env, transit: transit}
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan delivery, 1024)}
}

func testConfig(t *testing.T, stage config.Stage) *config.Config {
	stages := make([]*config.Stage, envelope.NumStages)
	for i := range stages {
		s := stage
		stages[i] = &s
	}
	cfg := &config.Config{
		Logging: &config.Logging{Disable: true, Level: "DEBUG"},
		Stages:  stages,
	}
	require.NoError(t, cfg.FixupAndValidate())
	return cfg
}

func collectDeliveries(t *testing.T, sink *chanSink, n int, deadline time.Duration) []delivery {
	got := make([]delivery, 0, n)
	timeout := time.After(deadline)
	for len(got) < n {
		select {
		case d := <-sink.ch:
			got = append(got, d)
		case <-timeout:
			t.Fatalf("timed out waiting for deliveries: got %d, want %d", len(got), n)
		}
	}
	return got
}

// TestCascadeLiveness is the concrete scenario: four envelopes submitted
// within a few milliseconds flush stage 1 off the threshold trigger and
// transit all three stages, each delivered exactly once in stage order.
func TestCascadeLiveness(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, config.Stage{
		BatchThreshold: 4,
		MaxWait:        200,
		MinDelay:       10,
		MaxDelay:       50,
		MaxQueueDepth:  100,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)
	defer c.Shutdown()

	start := time.Now()
	want := make(map[string][]byte)
	for i := 1; i <= 4; i++ {
		id := fmt.Sprintf("m%d", i)
		payload := []byte("payload-" + id)
		want[id] = payload
		require.NoError(c.Submit(id, payload, "recipient-"+id))
	}

	got := collectDeliveries(t, sink, 4, 10*time.Second)
	elapsed := time.Since(start)

	seen := make(map[string]bool)
	for _, d := range got {
		payload, ok := want[d.env.ID]
		require.True(ok, "delivery of unknown envelope %v", d.env.ID)
		require.False(seen[d.env.ID], "duplicate delivery of %v", d.env.ID)
		seen[d.env.ID] = true

		require.Equal(payload, d.env.Payload)
		require.Equal("recipient-"+d.env.ID, d.env.Destination)
		require.Equal([]int{1, 2, 3}, d.env.ProcessedBy)
		require.True(d.env.IsSealed())
		require.GreaterOrEqual(d.transit, 30*time.Millisecond, "transit below 3 x MinDelay")
	}
	// 3 x MaxDelay plus scheduling overhead, with a wide margin for slow CI.
	require.Less(elapsed, 5*time.Second)
	require.Equal(0, c.NumInFlight())
}

func TestCascadeDuplicateID(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Big threshold and max wait park the envelope in stage 1's pending
	// batch for the duration of the test.
	cfg := testConfig(t, config.Stage{
		BatchThreshold: 100,
		MaxWait:        60000,
		MinDelay:       0,
		MaxDelay:       1,
		MaxQueueDepth:  100,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)

	require.NoError(c.Submit("dup", []byte("first"), "dest"))
	err = c.Submit("dup", []byte("second"), "dest")
	require.ErrorIs(err, ErrDuplicateID)

	c.Shutdown()
	got := collectDeliveries(t, sink, 1, 5*time.Second)
	require.Equal([]byte("first"), got[0].env.Payload)
	select {
	case d := <-sink.ch:
		t.Fatalf("second delivery of %v", d.env.ID)
	default:
	}
}

func TestCascadeIDReusableAfterDelivery(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, config.Stage{
		BatchThreshold: 1,
		MaxWait:        100,
		MinDelay:       0,
		MaxDelay:       1,
		MaxQueueDepth:  100,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)
	defer c.Shutdown()

	require.NoError(c.Submit("reuse", []byte("one"), "dest"))
	collectDeliveries(t, sink, 1, 5*time.Second)

	// The id left the in-flight set at delivery, so it may be reused.
	require.NoError(c.Submit("reuse", []byte("two"), "dest"))
	got := collectDeliveries(t, sink, 1, 5*time.Second)
	require.Equal([]byte("two"), got[0].env.Payload)
}

// TestCascadeConcurrentSubmit hammers Submit from several producers at once
// so the flush triggers race the enqueues.  Every accepted envelope must
// still be delivered exactly once, fully sealed.
func TestCascadeConcurrentSubmit(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, config.Stage{
		BatchThreshold: 5,
		MaxWait:        100,
		MinDelay:       0,
		MaxDelay:       5,
		MaxQueueDepth:  1024,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)
	defer c.Shutdown()

	const (
		producers   = 8
		perProducer = 25
	)
	var wg sync.WaitGroup
	errCh := make(chan error, producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := fmt.Sprintf("c%d-%d", p, i)
				if err := c.Submit(id, []byte(id), "dest"); err != nil {
					errCh <- fmt.Errorf("submit %v: %v", id, err)
					return
				}
			}
		}(p)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	got := collectDeliveries(t, sink, producers*perProducer, 30*time.Second)
	seen := make(map[string]bool)
	for _, d := range got {
		require.False(seen[d.env.ID], "duplicate delivery of %v", d.env.ID)
		seen[d.env.ID] = true
		require.True(d.env.IsSealed())
		require.Equal([]byte(d.env.ID), d.env.Payload)
	}
	require.Equal(0, c.NumInFlight())
}

func TestCascadeBackpressure(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, config.Stage{
		BatchThreshold: 100,
		MaxWait:        60000,
		MinDelay:       0,
		MaxDelay:       1,
		MaxQueueDepth:  10,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)

	var accepted, rejected int
	for i := 0; i < 15; i++ {
		err := c.Submit(fmt.Sprintf("b%d", i), nil, "dest")
		switch err {
		case nil:
			accepted++
		case ErrQueueFull:
			rejected++
		default:
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	require.Equal(10, accepted)
	require.Equal(5, rejected)

	// Nothing accepted may be silently dropped.
	c.Shutdown()
	collectDeliveries(t, sink, accepted, 5*time.Second)
	require.Equal(0, c.NumInFlight())
}

func TestCascadeShutdownDrain(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Delays and waits far beyond the test budget: only an immediate
	// drain can deliver these.
	cfg := testConfig(t, config.Stage{
		BatchThreshold: 100,
		MaxWait:        600000,
		MinDelay:       60000,
		MaxDelay:       60000,
		MaxQueueDepth:  100,
	})
	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)

	for i := 0; i < 5; i++ {
		require.NoError(c.Submit(fmt.Sprintf("s%d", i), nil, "dest"))
	}

	start := time.Now()
	c.Shutdown()
	require.Less(time.Since(start), 10*time.Second, "drain honored the configured delays")

	collectDeliveries(t, sink, 5, time.Second)
	require.Equal(0, c.NumInFlight())

	err = c.Submit("late", nil, "dest")
	require.ErrorIs(err, ErrShutdown)
}

func TestCascadeBoltQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	cfg := testConfig(t, config.Stage{
		BatchThreshold: 2,
		MaxWait:        200,
		MinDelay:       0,
		MaxDelay:       20,
		MaxQueueDepth:  100,
	})
	cfg.Cascade.DataDir = t.TempDir()

	sink := newChanSink()
	c, err := New(cfg, sink)
	require.NoError(err)
	defer c.Shutdown()

	want := make(map[string]string)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("bolt%d", i)
		want[id] = "dest-" + id
		require.NoError(c.Submit(id, []byte(id), "dest-"+id))
	}

	got := collectDeliveries(t, sink, 4, 10*time.Second)
	for _, d := range got {
		dest, ok := want[d.env.ID]
		require.True(ok)
		require.Equal(dest, d.env.Destination)
		require.Equal([]byte(d.env.ID), d.env.Payload)
		require.Equal([]int{1, 2, 3}, d.env.ProcessedBy)
	}
}
