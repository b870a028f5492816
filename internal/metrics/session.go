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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChannelsOpened tracks total transport channels registered.
	ChannelsOpened = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "opened_total",
			Help:      "Total number of transport channels registered",
		},
		[]string{"role"},
	)

	// ChannelsActive tracks the number of channels currently held by
	// a registry.
	ChannelsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "active",
			Help:      "Number of channels currently tracked by a registry",
		},
	)

	// ChannelsEvicted tracks channels closed by idle-timeout sweep
	// rather than an explicit Close.
	ChannelsEvicted = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "evicted_total",
			Help:      "Total number of channels evicted by idle timeout",
		},
	)

	// ChannelsClosed tracks explicitly closed channels.
	ChannelsClosed = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "closed_total",
			Help:      "Total number of channels closed",
		},
	)

	// ChannelOperationDuration tracks per-operation channel latency.
	ChannelOperationDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "operation_duration_seconds",
			Help:      "Channel operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to 1.6s
		},
		[]string{"operation"}, // send, recv
	)

	// ChannelMessageSize tracks plaintext frame sizes.
	ChannelMessageSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "channels",
			Name:      "message_size_bytes",
			Help:      "Size of plaintext frames processed by a channel",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MB
		},
		[]string{"direction"}, // inbound, outbound
	)
)
