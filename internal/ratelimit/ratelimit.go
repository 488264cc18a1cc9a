// Package ratelimit bounds the system-wide rate of duplicate-bypass
// operations. Limits are deliberately global: every caller shares one clock
// of recorded attempts, so the cap holds even when requests arrive under
// many different tercero identities.
package ratelimit

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Window is one sliding-window cap.
type Window struct {
	MaxOperations     int    `json:"max_operations" yaml:"max_operations"`
	TimeWindowSeconds int    `json:"time_window_seconds" yaml:"time_window_seconds"`
	Name              string `json:"name" yaml:"name"`
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.TimeWindowSeconds) * time.Second
}

// BusinessHours restricts operations to a local time-of-day range,
// [StartHour, EndHour) in the given IANA timezone.
type BusinessHours struct {
	StartHour int    `json:"start_hour" yaml:"start_hour"`
	EndHour   int    `json:"end_hour" yaml:"end_hour"`
	Timezone  string `json:"timezone" yaml:"timezone"`
}

// Policy is the full rate-limit configuration: an ordered list of windows
// plus an optional business-hours gate.
type Policy struct {
	Windows       []Window       `json:"windows" yaml:"windows"`
	BusinessHours *BusinessHours `json:"business_hours" yaml:"business_hours"`
}

// Validate checks structural soundness of a policy.
func (p Policy) Validate() error {
	if len(p.Windows) == 0 {
		return fmt.Errorf("at least one rate-limit window is required")
	}
	for i, w := range p.Windows {
		if w.MaxOperations <= 0 {
			return fmt.Errorf("window %d (%s): max_operations must be positive", i+1, w.Name)
		}
		if w.TimeWindowSeconds <= 0 {
			return fmt.Errorf("window %d (%s): time_window_seconds must be positive", i+1, w.Name)
		}
		if w.Name == "" {
			return fmt.Errorf("window %d: name is required", i+1)
		}
	}
	if bh := p.BusinessHours; bh != nil {
		if bh.StartHour < 0 || bh.StartHour > 23 || bh.EndHour < 0 || bh.EndHour > 23 {
			return fmt.Errorf("business hours must be within 0-23")
		}
		if bh.StartHour >= bh.EndHour {
			return fmt.Errorf("business hours start_hour must be before end_hour")
		}
		if _, err := time.LoadLocation(bh.Timezone); err != nil {
			return fmt.Errorf("business hours timezone: %w", err)
		}
	}
	return nil
}

// LimitError reports which window rejected the attempt.
type LimitError struct {
	Window Window
}

func (e LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: maximum %d operations per %s (%s)",
		e.Window.MaxOperations, e.Window.Duration(), e.Window.Name)
}

// HoursError reports a rejection by the business-hours gate.
type HoursError struct {
	Hours BusinessHours
}

func (e HoursError) Error() string {
	return fmt.Sprintf("operations are only permitted between %02d:00 and %02d:00 %s",
		e.Hours.StartHour, e.Hours.EndHour, e.Hours.Timezone)
}

// Limiter enforces a Policy over an in-memory list of recorded attempts.
// The list is process-lifetime only and resets on restart.
type Limiter struct {
	mu     sync.Mutex
	policy Policy
	loc    *time.Location
	stamps []time.Time
	logger *log.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

// New builds a limiter, resolving the business-hours timezone once.
func New(policy Policy, logger *log.Logger) (*Limiter, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	l := &Limiter{policy: policy, logger: logger, Now: time.Now}
	if policy.BusinessHours != nil {
		loc, err := time.LoadLocation(policy.BusinessHours.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %s: %w", policy.BusinessHours.Timezone, err)
		}
		l.loc = loc
	}
	return l, nil
}

// Policy returns the effective policy.
func (l *Limiter) Policy() Policy { return l.policy }

// Allow evaluates the business-hours gate and every window in declared
// order; if all pass it records the attempt. Check and record are atomic:
// concurrent callers can never jointly exceed a cap. Rejected attempts are
// not recorded.
func (l *Limiter) Allow() error {
	now := l.Now()

	if bh := l.policy.BusinessHours; bh != nil {
		hour := now.In(l.loc).Hour()
		if hour < bh.StartHour || hour >= bh.EndHour {
			l.logger.Printf("RATE LIMIT: attempt outside business hours (%02d local, allowed %02d-%02d %s)",
				hour, bh.StartHour, bh.EndHour, bh.Timezone)
			return HoursError{Hours: *bh}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.policy.Windows {
		if count := l.countLocked(now, w.Duration()); count >= w.MaxOperations {
			l.logger.Printf("RATE LIMIT: %s exceeded, %d/%d operations in last %s",
				w.Name, count, w.MaxOperations, w.Duration())
			return LimitError{Window: w}
		}
	}
	l.stamps = append(l.stamps, now)
	l.pruneLocked(now)
	return nil
}

// WindowUsage is the current occupancy of one window.
type WindowUsage struct {
	Name          string `json:"name"`
	MaxOperations int    `json:"max_operations"`
	Current       int    `json:"current"`
	WindowSeconds int    `json:"time_window_seconds"`
}

// Usage reports per-window occupancy without recording anything.
func (l *Limiter) Usage() []WindowUsage {
	now := l.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	usage := make([]WindowUsage, 0, len(l.policy.Windows))
	for _, w := range l.policy.Windows {
		usage = append(usage, WindowUsage{
			Name:          w.Name,
			MaxOperations: w.MaxOperations,
			Current:       l.countLocked(now, w.Duration()),
			WindowSeconds: w.TimeWindowSeconds,
		})
	}
	return usage
}

// countLocked counts recorded attempts younger than d. Caller holds l.mu.
func (l *Limiter) countLocked(now time.Time, d time.Duration) int {
	count := 0
	for _, ts := range l.stamps {
		if now.Sub(ts) < d {
			count++
		}
	}
	return count
}

// pruneLocked drops stamps older than the largest window. Pruning happens
// only after all windows were counted for the current call, so it can never
// cause an undercount. Caller holds l.mu.
func (l *Limiter) pruneLocked(now time.Time) {
	var largest time.Duration
	for _, w := range l.policy.Windows {
		if d := w.Duration(); d > largest {
			largest = d
		}
	}
	kept := l.stamps[:0]
	for _, ts := range l.stamps {
		if now.Sub(ts) < largest {
			kept = append(kept, ts)
		}
	}
	l.stamps = kept
}
