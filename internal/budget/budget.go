// Package budget holds the pure spend checks behind the agent budget ledger.
package budget

import (
	"fmt"
	"time"
)

// Limits caps what an agent may spend.
type Limits struct {
	DailyUSD  float64
	PerRunUSD float64
}

// Check is the answer to "may this agent spend amount now".
type Check struct {
	OK           bool    `json:"ok"`
	RemainingUSD float64 `json:"remaining_usd"`
	Reason       string  `json:"reason,omitempty"`
}

// epsilon absorbs float rounding when a spend lands exactly on the cap.
const epsilon = 1e-9

// Evaluate decides whether amount fits within the limits given what was
// already spent today. Zero limits mean unlimited.
func Evaluate(l Limits, spentToday, amount float64) Check {
	remaining := Remaining(l.DailyUSD, spentToday)
	if amount < 0 {
		return Check{RemainingUSD: remaining, Reason: "amount must not be negative"}
	}
	if l.PerRunUSD > 0 && amount > l.PerRunUSD+epsilon {
		return Check{RemainingUSD: remaining, Reason: fmt.Sprintf("amount %.4f exceeds per-run limit %.4f", amount, l.PerRunUSD)}
	}
	if l.DailyUSD > 0 && spentToday+amount > l.DailyUSD+epsilon {
		return Check{RemainingUSD: remaining, Reason: fmt.Sprintf("amount %.4f exceeds remaining daily budget %.4f", amount, remaining)}
	}
	return Check{OK: true, RemainingUSD: remaining}
}

// Remaining is what is left of a daily cap, never negative.
func Remaining(daily, spent float64) float64 {
	if daily <= 0 {
		return 0
	}
	left := daily - spent
	if left < 0 {
		return 0
	}
	return left
}

// Exceeded reports whether spend has passed the daily cap.
func Exceeded(daily, spent float64) bool {
	return daily > 0 && spent > daily+epsilon
}

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NeedsReset reports whether a counter last reset at lastReset belongs to an
// earlier UTC day than now.
func NeedsReset(lastReset, now time.Time) bool {
	return DayStart(lastReset).Before(DayStart(now))
}
