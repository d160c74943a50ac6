// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter spreads base uniformly by up to fraction in either direction, so
// Jitter(time.Minute, 0.1) lies between 54s and 66s.
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	jitterRange := float64(base) * fraction
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return base + time.Duration(jitter)
}

// JitteredTicker ticks every Jitter(base, fraction), drawn afresh for each
// tick. Ticks are dropped while the receiver is behind. The stop function
// must be called; it closes the channel once the ticker goroutine exits.
func JitteredTicker(base time.Duration, fraction float64) (<-chan time.Time, func()) {
	ch := make(chan time.Time, 1)
	done := make(chan struct{})

	go func() {
		for {
			interval := Jitter(base, fraction)
			timer := time.NewTimer(interval)
			select {
			case t := <-timer.C:
				select {
				case ch <- t:
				default:
				}
			case <-done:
				timer.Stop()
				close(ch)
				return
			}
		}
	}()

	return ch, func() { close(done) }
}
