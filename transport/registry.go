// Copyright (C) 2025 noiseline
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/noiseline/noiseline/internal/metrics"
)

// entry pairs a live Transport with its registry bookkeeping.
type entry struct {
	channel  *Transport
	lastUsed time.Time
}

// Registry tracks the Transports a process is driving concurrently,
// one per accepted connection. A mutex-guarded map plus a background
// sweep handle idle eviction; channels are keyed by a registry-local
// UUID, distinct from the handshake's cryptographic transcript hash.
type Registry struct {
	mu          sync.RWMutex
	channels    map[uuid.UUID]*entry
	idleTimeout time.Duration

	stop chan struct{}
	once sync.Once
}

// NewRegistry returns a Registry that evicts channels idle for longer
// than idleTimeout. idleTimeout <= 0 disables eviction.
func NewRegistry(idleTimeout time.Duration) *Registry {
	r := &Registry{
		channels:    make(map[uuid.UUID]*entry),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go r.sweepLoop()
	}
	return r
}

// Register adds a channel to the registry and returns its registry
// key.
func (r *Registry) Register(ch *Transport) uuid.UUID {
	id := uuid.New()
	r.mu.Lock()
	r.channels[id] = &entry{channel: ch, lastUsed: time.Now()}
	count := len(r.channels)
	r.mu.Unlock()
	metrics.ChannelsOpened.WithLabelValues("registered").Inc()
	metrics.ChannelsActive.Set(float64(count))
	metrics.GetGlobalCollector().RecordChannelOpened()
	return id
}

// Get returns the channel registered under id, touching its last-used
// time.
func (r *Registry) Get(id uuid.UUID) (*Transport, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.channel, true
}

// Close closes and deregisters the channel under id.
func (r *Registry) Close(id uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	count := len(r.channels)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.ChannelsClosed.Inc()
	metrics.ChannelsActive.Set(float64(count))
	metrics.GetGlobalCollector().RecordChannelClosed()
	return e.channel.Close()
}

// Count reports the number of live channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Shutdown stops the idle sweep and closes every registered channel.
func (r *Registry) Shutdown() {
	r.once.Do(func() { close(r.stop) })

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.channels {
		_ = e.channel.Close()
		delete(r.channels, id)
		metrics.ChannelsClosed.Inc()
	}
	metrics.ChannelsActive.Set(0)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	cutoff := time.Now().Add(-r.idleTimeout)
	r.mu.Lock()
	var toClose []*Transport
	for id, e := range r.channels {
		if e.lastUsed.Before(cutoff) {
			toClose = append(toClose, e.channel)
			delete(r.channels, id)
		}
	}
	count := len(r.channels)
	r.mu.Unlock()
	if len(toClose) > 0 {
		metrics.ChannelsEvicted.Add(float64(len(toClose)))
		metrics.ChannelsActive.Set(float64(count))
	}
	for _, ch := range toClose {
		_ = ch.Close()
	}
}

// AcceptRunner bounds how many handshakes run concurrently. Handshakes
// driven through separate Run calls are independent of each other;
// RunAll instead cancels the rest of its batch on the first error.
// handshake is called once per accepted
// connection and should run the full XX exchange plus transport.New,
// returning the resulting Transport.
type AcceptRunner struct {
	sem *semaphore.Weighted
}

// NewAcceptRunner bounds concurrent in-flight handshakes to maxConcurrent.
func NewAcceptRunner(maxConcurrent int64) *AcceptRunner {
	return &AcceptRunner{sem: semaphore.NewWeighted(maxConcurrent)}
}

// Run drives handshake for one accepted connection under the
// concurrency bound, registering the resulting channel in reg on
// success. Multiple calls to Run are meant to be launched from
// separate goroutines (one per accept); Run itself blocks until a
// handshake slot is free.
func (a *AcceptRunner) Run(ctx context.Context, reg *Registry, handshake func(context.Context) (*Transport, error)) (uuid.UUID, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return uuid.UUID{}, err
	}
	defer a.sem.Release(1)

	ch, err := handshake(ctx)
	if err != nil {
		return uuid.UUID{}, err
	}
	return reg.Register(ch), nil
}

// RunAll runs handshake once per item in parallel, bounded by the
// AcceptRunner's semaphore, using an errgroup so the first fatal error
// cancels ctx for the rest while still letting in-flight handshakes
// that already succeeded register their channels.
func (a *AcceptRunner) RunAll(ctx context.Context, reg *Registry, items []func(context.Context) (*Transport, error)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, handshake := range items {
		handshake := handshake
		g.Go(func() error {
			_, err := a.Run(gctx, reg, handshake)
			return err
		})
	}
	return g.Wait()
}
