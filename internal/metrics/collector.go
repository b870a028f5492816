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

// Package metrics exposes Prometheus instrumentation for handshakes,
// transport channels, and vault crypto operations, plus a lightweight
// in-process collector for callers (e.g. a CLI status command) that
// want a summary without scraping /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// namespace prefixes every metric name registered in this package
// (e.g. noiseline_handshakes_initiated_total).
const namespace = "noiseline"

// Registry is the Prometheus registry every metric in this package
// registers against. A process that also exposes its own metrics can
// pass this registry to promhttp alongside its own collectors.
var Registry = prometheus.NewRegistry()

// Collector accumulates channel-lifetime counters and timing samples
// without going through Prometheus, for callers that want a plain Go
// struct (e.g. to print a status summary) rather than a scrape.
type Collector struct {
	mu sync.RWMutex

	HandshakesInitiated int64
	HandshakesCompleted int64
	HandshakesFailed    int64

	ChannelsOpened int64
	ChannelsClosed int64

	CryptoOperations int64
	CryptoErrors     int64

	HandshakeTimes []int64 // microseconds
	CryptoTimes    []int64 // microseconds

	startTime        time.Time
	maxTimingSamples int
}

// NewCollector returns a ready-to-use Collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:        time.Now(),
		maxTimingSamples: 1000,
	}
}

// RecordHandshake records the outcome and duration of one handshake.
func (c *Collector) RecordHandshake(success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.HandshakesInitiated++
	if success {
		c.HandshakesCompleted++
	} else {
		c.HandshakesFailed++
	}
	c.recordTiming(&c.HandshakeTimes, duration)
}

// RecordChannelOpened records a transport channel entering the
// registry.
func (c *Collector) RecordChannelOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChannelsOpened++
}

// RecordChannelClosed records a transport channel leaving the
// registry.
func (c *Collector) RecordChannelClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChannelsClosed++
}

// RecordCryptoOperation records one vault operation (ECDH, AEAD,
// HKDF, ...).
func (c *Collector) RecordCryptoOperation(success bool, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CryptoOperations++
	if !success {
		c.CryptoErrors++
	}
	c.recordTiming(&c.CryptoTimes, duration)
}

func (c *Collector) recordTiming(timings *[]int64, duration time.Duration) {
	*timings = append(*timings, duration.Microseconds())
	if len(*timings) > c.maxTimingSamples {
		*timings = (*timings)[len(*timings)-c.maxTimingSamples:]
	}
}

// Snapshot is a point-in-time copy of a Collector's counters and
// derived timing statistics.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	HandshakesInitiated int64
	HandshakesCompleted int64
	HandshakesFailed    int64

	ChannelsOpened int64
	ChannelsClosed int64

	CryptoOperations int64
	CryptoErrors     int64

	AvgHandshakeTime float64
	P95HandshakeTime int64

	AvgCryptoTime float64
	P95CryptoTime int64
}

// GetSnapshot returns a Snapshot of the collector's current state.
func (c *Collector) GetSnapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		HandshakesInitiated: c.HandshakesInitiated,
		HandshakesCompleted: c.HandshakesCompleted,
		HandshakesFailed:    c.HandshakesFailed,
		ChannelsOpened:      c.ChannelsOpened,
		ChannelsClosed:      c.ChannelsClosed,
		CryptoOperations:    c.CryptoOperations,
		CryptoErrors:        c.CryptoErrors,
		AvgHandshakeTime:    calculateAverage(c.HandshakeTimes),
		P95HandshakeTime:    calculatePercentile(c.HandshakeTimes, 95),
		AvgCryptoTime:       calculateAverage(c.CryptoTimes),
		P95CryptoTime:       calculatePercentile(c.CryptoTimes, 95),
	}
}

// Reset clears all counters and timing samples.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.HandshakesInitiated = 0
	c.HandshakesCompleted = 0
	c.HandshakesFailed = 0
	c.ChannelsOpened = 0
	c.ChannelsClosed = 0
	c.CryptoOperations = 0
	c.CryptoErrors = 0
	c.HandshakeTimes = nil
	c.CryptoTimes = nil
	c.startTime = time.Now()
}

// GetHandshakeSuccessRate returns the handshake success rate as a
// percentage.
func (s *Snapshot) GetHandshakeSuccessRate() float64 {
	if s.HandshakesInitiated == 0 {
		return 0
	}
	return float64(s.HandshakesCompleted) / float64(s.HandshakesInitiated) * 100
}

// GetCryptoErrorRate returns the crypto operation error rate as a
// percentage.
func (s *Snapshot) GetCryptoErrorRate() float64 {
	if s.CryptoOperations == 0 {
		return 0
	}
	return float64(s.CryptoErrors) / float64(s.CryptoOperations) * 100
}

func calculateAverage(values []int64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}

func calculatePercentile(values []int64, percentile int) int64 {
	if len(values) == 0 {
		return 0
	}

	index := len(values) * percentile / 100
	if index >= len(values) {
		index = len(values) - 1
	}

	sorted := make([]int64, len(values))
	copy(sorted, values)
	for i := 0; i < len(sorted)-1; i++ {
		for j := 0; j < len(sorted)-i-1; j++ {
			if sorted[j] > sorted[j+1] {
				sorted[j], sorted[j+1] = sorted[j+1], sorted[j]
			}
		}
	}
	return sorted[index]
}

// globalCollector is the process-wide Collector returned by
// GetGlobalCollector.
var globalCollector = NewCollector()

// GetGlobalCollector returns the process-wide Collector.
func GetGlobalCollector() *Collector {
	return globalCollector
}
