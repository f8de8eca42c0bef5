// Copyright 2026 The Hearth Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability. Production code accepts a Clock instead of calling
// time.Now, time.After, or time.Sleep directly: Real() gives standard
// library behavior, Fake() gives a deterministic clock that advances
// only when Advance is called.
//
// The sync loop uses a Clock for retry backoff so reconnection tests
// run without wall-clock waits, and the user directory stamps entries
// with Clock.Now so profile-lookup staleness checks are deterministic
// under test.
package clock

import "time"

// Clock abstracts the time operations the sync core needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once
	// duration d has elapsed. Equivalent to time.After.
	After(d time.Duration) <-chan time.Time

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
