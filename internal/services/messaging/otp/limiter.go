// Package otp throttles one-time passcode delivery per phone number.
//
// Repeated requests climb a fixed cooldown ladder so an attacker cannot
// pump SMS traffic at a victim's number. The limiter is in-memory and
// not safe for concurrent use; the owning service serializes access.
package otp

import (
	"strings"
	"time"

	apperrors "github.com/wavelen/talkback/internal/platform/errors"
)

// cooldowns is the lockout ladder. The first request is free, each
// subsequent request within the decay window waits one rung longer.
var cooldowns = []time.Duration{
	0,
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

// idleDecay is how long a number must stay quiet before its ladder
// position resets.
const idleDecay = time.Hour

type entry struct {
	strikes     int
	lastRequest time.Time
	notBefore   time.Time
}

// Limiter tracks OTP request cooldowns per phone number.
type Limiter struct {
	entries map[string]*entry
	now     func() time.Time
}

// NewLimiter creates an OTP limiter. A nil clock defaults to time.Now.
func NewLimiter(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		entries: make(map[string]*entry),
		now:     now,
	}
}

// Allow records an OTP request for the phone number. It returns nil when
// the request may proceed, or a throttled error carrying the remaining
// wait when the number is still cooling down.
func (l *Limiter) Allow(phoneNumber string) error {
	if l == nil {
		return apperrors.New(apperrors.CodeUnknown, "otp limiter is not initialized")
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return apperrors.New(apperrors.CodeOTPEmptyPhoneNumber, "phone number is required")
	}

	now := l.now()
	e, ok := l.entries[phoneNumber]
	if !ok {
		l.entries[phoneNumber] = &entry{
			strikes:     1,
			lastRequest: now,
			notBefore:   now.Add(cooldownFor(1)),
		}
		return nil
	}

	if now.Sub(e.lastRequest) >= idleDecay {
		e.strikes = 0
		e.notBefore = now
	}

	if now.Before(e.notBefore) {
		remaining := e.notBefore.Sub(now)
		return apperrors.WithMetadata(
			apperrors.CodeOTPRequestThrottled,
			"too many verification requests",
			map[string]string{"retry_after": remaining.Round(time.Second).String()},
		)
	}

	e.strikes++
	e.lastRequest = now
	e.notBefore = now.Add(cooldownFor(e.strikes))
	return nil
}

// RetryAfter reports how long the phone number must wait before the next
// request is allowed. Zero means a request would proceed now.
func (l *Limiter) RetryAfter(phoneNumber string) time.Duration {
	if l == nil {
		return 0
	}
	phoneNumber = strings.TrimSpace(phoneNumber)
	e, ok := l.entries[phoneNumber]
	if !ok {
		return 0
	}
	now := l.now()
	if now.Sub(e.lastRequest) >= idleDecay {
		return 0
	}
	if now.Before(e.notBefore) {
		return e.notBefore.Sub(now)
	}
	return 0
}

// Reset clears the cooldown state for a phone number, typically after a
// successful verification.
func (l *Limiter) Reset(phoneNumber string) {
	if l == nil {
		return
	}
	delete(l.entries, strings.TrimSpace(phoneNumber))
}

// Prune drops entries idle past the decay window so the map does not
// grow without bound.
func (l *Limiter) Prune() {
	if l == nil {
		return
	}
	now := l.now()
	for number, e := range l.entries {
		if now.Sub(e.lastRequest) >= idleDecay && !now.Before(e.notBefore) {
			delete(l.entries, number)
		}
	}
}

// cooldownFor maps the number of requests already made to the wait
// before the next one.
func cooldownFor(strikes int) time.Duration {
	if strikes < 0 {
		strikes = 0
	}
	if strikes >= len(cooldowns) {
		strikes = len(cooldowns) - 1
	}
	return cooldowns[strikes]
}
