// cascade.go - Mix cascade wiring and bookkeeping.
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

// Package cascade implements a three stage mixing cascade.  Each stage
// batches, shuffles and individually delays opaque envelopes before
// forwarding them, so that an observer of any single stage cannot correlate
// the stage's inputs with its outputs by arrival sequence or timing.  The
// cascade holds no cryptographic material and never inspects a payload.
package cascade

import (
	"errors"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/config"
	"github.com/aharonc358/mixcascade/core/log"
	"github.com/aharonc358/mixcascade/internal/instrument"
)

var (
	// ErrQueueFull is the error returned when a stage's depth cap would be
	// exceeded.  The caller may retry later.
	ErrQueueFull = errors.New("cascade: stage queue is full")

	// ErrDuplicateID is the error returned when an envelope with the same
	// id is already in flight.  The caller may retry with a fresh id.
	ErrDuplicateID = errors.New("cascade: envelope id is already in flight")

	// ErrShutdown is the error returned when the cascade is shutting down.
	ErrShutdown = errors.New("cascade: shutdown in progress")
)

// Sink receives envelopes that have transited every stage of the cascade.
type Sink interface {
	// Deliver hands over a sealed envelope.  It is invoked at most once
	// per envelope id, from a mixing goroutine, and therefore MUST NOT
	// block.  The cascade never retries a delivery, retry and backoff are
	// the sink's responsibility.
	Deliver(env *envelope.Envelope, transit time.Duration)
}

// Cascade is a fixed ordered chain of mixing stages.  It is purely a wiring
// and bookkeeping component: stage k's output feeds stage k+1's input, the
// final stage's output seals the envelope and hands it to the Sink exactly
// once.
type Cascade struct {
	cfg  *config.Config
	sink Sink

	logBackend *log.Backend
	log        *logging.Logger

	nodes [envelope.NumStages]*node

	lock     sync.Mutex
	inFlight map[string]struct{}
	closed   bool
	haltOnce sync.Once
}

// Submit accepts an envelope into the cascade.  The payload and destination
// are opaque.  It fails with ErrDuplicateID if an envelope with the same id
// is still in flight, ErrQueueFull if the first stage is at its depth cap,
// and ErrShutdown once Shutdown has begun.  Submit never blocks on timers
// or I/O and is safe to call concurrently.
func (c *Cascade) Submit(id string, payload []byte, destination string) error {
	c.lock.Lock()
	if c.closed {
		c.lock.Unlock()
		return ErrShutdown
	}
	if _, ok := c.inFlight[id]; ok {
		c.lock.Unlock()
		return ErrDuplicateID
	}
	c.inFlight[id] = struct{}{}
	c.lock.Unlock()

	env := envelope.New(id, payload, destination)
	if err := c.nodes[0].Enqueue(env); err != nil {
		c.forget(env)
		return err
	}
	instrument.EnvelopeSubmitted()
	return nil
}

// NumInFlight returns the number of envelopes accepted but not yet
// delivered or dropped.
func (c *Cascade) NumInFlight() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.inFlight)
}

// seal is the final stage's forwarding hook.  The envelope is removed from
// the in-flight set before the sink is invoked, which together with the
// stage ordering invariant guarantees at most one delivery per id.
func (c *Cascade) seal(env *envelope.Envelope) error {
	if !env.IsSealed() {
		panic("BUG: unsealed envelope reached the delivery path: " + env.ID)
	}

	c.lock.Lock()
	_, ok := c.inFlight[env.ID]
	delete(c.inFlight, env.ID)
	c.lock.Unlock()
	if !ok {
		panic("BUG: sealed envelope is not in flight: " + env.ID)
	}

	transit := time.Since(env.SubmittedAt)
	instrument.EnvelopeDelivered(transit)
	c.log.Debugf("Envelope %v sealed, transit time %v.", env.ID, transit)
	c.sink.Deliver(env, transit)
	return nil
}

// forget removes a dropped envelope from the in-flight set so its id can be
// resubmitted.
func (c *Cascade) forget(env *envelope.Envelope) {
	c.lock.Lock()
	delete(c.inFlight, env.ID)
	c.lock.Unlock()
}

// Shutdown gracefully halts the cascade.  Pending batches are flushed and
// every delayed envelope is dispatched immediately rather than discarded,
// so envelopes accepted before the call are still delivered.  Subsequent
// Submit calls fail with ErrShutdown.
func (c *Cascade) Shutdown() {
	c.haltOnce.Do(c.halt)
}

func (c *Cascade) halt() {
	c.lock.Lock()
	c.closed = true
	c.lock.Unlock()
	c.log.Noticef("Starting graceful shutdown.")

	// Stages halt in cascade order so that each stage finishes draining
	// into its successor before the successor drains in turn.
	for _, n := range c.nodes {
		n.Halt()
	}

	c.lock.Lock()
	leftover := len(c.inFlight)
	c.lock.Unlock()
	if leftover != 0 {
		c.log.Warningf("Shutdown with %d envelopes unaccounted for.", leftover)
	}
	c.log.Noticef("Shutdown complete.")
}

// New constructs a Cascade from the provided configuration and delivery
// sink and starts its mixing stages.
func New(cfg *config.Config, sink Sink) (*Cascade, error) {
	if cfg == nil {
		return nil, errors.New("cascade: no configuration provided")
	}
	if sink == nil {
		return nil, errors.New("cascade: no delivery sink provided")
	}

	c := &Cascade{
		cfg:      cfg,
		sink:     sink,
		inFlight: make(map[string]struct{}),
	}

	var err error
	c.logBackend, err = log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	c.log = c.logBackend.GetLogger("cascade")

	for i := range c.nodes {
		n, err := newNode(i+1, cfg.Stages[i], cfg.Debug, c.logBackend, cfg.Cascade.DataDir)
		if err != nil {
			for _, prev := range c.nodes[:i] {
				prev.q.Halt()
			}
			return nil, err
		}
		c.nodes[i] = n
	}

	// Wire the forwarding hooks before any worker runs.
	for i, n := range c.nodes {
		n.drop = c.forget
		if i == len(c.nodes)-1 {
			n.forward = c.seal
		} else {
			next := c.nodes[i+1]
			n.forward = next.Enqueue
		}
	}
	for _, n := range c.nodes {
		n.start()
	}

	if cfg.Cascade.MetricsAddress != "" {
		instrument.StartPrometheusListener(cfg.Cascade.MetricsAddress)
	}

	c.log.Noticef("Mix cascade with %d stages initialized.", envelope.NumStages)
	return c, nil
}
