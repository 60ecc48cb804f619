package pacer

import "time"

// Profile is a baseline pacer configuration keyed off session age. It is used
// both as the default cadence for a freshly started consumer and as the
// ceiling SmartGuard may never raise an override past (spec.md §4.G).
type Profile struct {
	Level      int
	MinDelayMs int64
	MaxDelayMs int64
	RPM        int
}

// trustLadder is ordered from youngest to oldest; the first matching row wins.
var trustLadder = []struct {
	maxAge time.Duration
	profile Profile
}{
	{maxAge: 3 * 24 * time.Hour, profile: Profile{Level: 1, MinDelayMs: 20000, MaxDelayMs: 40000, RPM: 3}},
	{maxAge: 7 * 24 * time.Hour, profile: Profile{Level: 2, MinDelayMs: 10000, MaxDelayMs: 15000, RPM: 5}},
	{maxAge: 14 * 24 * time.Hour, profile: Profile{Level: 3, MinDelayMs: 5000, MaxDelayMs: 8000, RPM: 10}},
}

var eldestProfile = Profile{Level: 4, MinDelayMs: 2000, MaxDelayMs: 4000, RPM: 20}

// ProfileForAge returns the trust-policy baseline for a session of the given age.
func ProfileForAge(age time.Duration) Profile {
	for _, row := range trustLadder {
		if age < row.maxAge {
			return row.profile
		}
	}
	return eldestProfile
}

// ProfileForCreatedAt is a convenience wrapper around ProfileForAge.
func ProfileForCreatedAt(createdAt time.Time, now time.Time) Profile {
	return ProfileForAge(now.Sub(createdAt))
}

// RPMLadder is the discrete set of RPM rungs SmartGuard and manual overrides
// snap to.
var RPMLadder = []int{5, 10, 15, 20}

// ManualOverrideRPMs is the extra set of rungs a human operator may request
// via the control API that SmartGuard itself never selects.
var ManualOverrideRPMs = []int{2, 3}
