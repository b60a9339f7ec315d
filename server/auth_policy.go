package server

import (
	"crypto/subtle"
	"net"
)

// RecordFailedAuthAttempt records auth telemetry and updates rate-limit state.
// Returns true when this failure causes the source IP to be banned.
func RecordFailedAuthAttempt(rateLimiter *RateLimiter, remoteAddr net.Addr) bool {
	authFailuresCounter.Inc()
	if rateLimiter == nil {
		return false
	}
	return rateLimiter.RecordFailedAuth(remoteAddr)
}

// RecordSuccessfulAuthAttempt clears failure tracking after successful auth.
func RecordSuccessfulAuthAttempt(rateLimiter *RateLimiter, remoteAddr net.Addr) {
	if rateLimiter == nil {
		return
	}
	rateLimiter.RecordSuccessfulAuth(remoteAddr)
}

// constantTimeStringEqual compares two strings without leaking their
// contents or relative lengths via timing.
func constantTimeStringEqual(a, b string) bool {
	ab := []byte(a)
	bb := []byte(b)

	maxLen := len(ab)
	if len(bb) > maxLen {
		maxLen = len(bb)
	}

	var diff byte
	for i := 0; i < maxLen; i++ {
		var av byte
		var bv byte
		if i < len(ab) {
			av = ab[i]
		}
		if i < len(bb) {
			bv = bb[i]
		}
		diff |= av ^ bv
	}

	lengthsEqual := subtle.ConstantTimeEq(int32(len(ab)), int32(len(bb))) == 1
	return lengthsEqual && diff == 0
}
