package journey

import (
	"fmt"
	"time"
)

// Clock returns the current time. Tests inject a fixed one.
type Clock func() time.Time

func SystemClock() time.Time {
	return time.Now().UTC()
}

type Waiting struct {
	Minutes   int    `json:"minutes"`
	Formatted string `json:"formatted"`
}

// WaitingTime returns whole minutes elapsed since arrival. An arrival in the
// future counts as zero.
func WaitingTime(arrival, now time.Time) Waiting {
	elapsed := now.Sub(arrival)
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := int(elapsed / time.Minute)
	return Waiting{Minutes: minutes, Formatted: formatMinutes(minutes)}
}

func (c Clock) WaitingTime(arrival time.Time) Waiting {
	if c == nil {
		return WaitingTime(arrival, SystemClock())
	}
	return WaitingTime(arrival, c())
}

func formatMinutes(minutes int) string {
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%d h %02d min", minutes/60, minutes%60)
}

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// UrgencyFor buckets a waiting time for display.
func UrgencyFor(minutes int) Urgency {
	switch {
	case minutes <= 30:
		return UrgencyLow
	case minutes <= 60:
		return UrgencyMedium
	default:
		return UrgencyHigh
	}
}
