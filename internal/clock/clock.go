// Package clock provides an injectable time source so cache and expiry
// components can be driven deterministically in tests instead of calling
// time.Now directly.
package clock

import "time"

// Func returns the current UTC time. Components take a Func instead of
// calling time.Now so tests can substitute a fixed or stepped clock.
type Func func() time.Time

// System is the production clock.
func System() time.Time { return time.Now().UTC() }

// Fixed returns a Func that always reports t.
func Fixed(t time.Time) Func {
	return func() time.Time { return t }
}
