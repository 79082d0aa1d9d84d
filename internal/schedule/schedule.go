// Package schedule validates candidate send times against a minimum lead time.
//
// Everything here is pure: the current time is always passed in, so callers
// re-evaluate on every keystroke or timer tick instead of caching a verdict.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

type Reason string

const (
	MalformedInput Reason = "malformed_input"
	InPast         Reason = "in_past"
	BelowLeadTime  Reason = "below_lead_time"
)

var (
	ErrMalformedInput = errors.New("malformed date or time")
	ErrInPast         = errors.New("scheduled time is in the past")
	ErrBelowLeadTime  = errors.New("scheduled time is below the minimum lead time")
)

type Error struct {
	Reason Reason
	// Earliest is the first acceptable instant for BelowLeadTime and InPast.
	Earliest time.Time
	detail   string
}

func (e *Error) Error() string {
	msg := e.sentinel().Error()
	if e.detail != "" {
		msg += ": " + e.detail
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.sentinel() }

func (e *Error) sentinel() error {
	switch e.Reason {
	case InPast:
		return ErrInPast
	case BelowLeadTime:
		return ErrBelowLeadTime
	default:
		return ErrMalformedInput
	}
}

// ReasonOf extracts the Reason from err, or "" when err is not a schedule error.
func ReasonOf(err error) Reason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

var dateLayouts = []string{"2006-01-02"}
var clockLayouts = []string{"15:04", "15:04:05"}

// Combine joins a YYYY-MM-DD date and an HH:MM[:SS] clock into one instant in
// loc. A nil loc means time.Local.
func Combine(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, &Error{Reason: MalformedInput, detail: "date and time are required"}
	}

	var d, c time.Time
	var err error
	if d, err = parseAny(dateLayouts, date); err != nil {
		return time.Time{}, &Error{Reason: MalformedInput, detail: fmt.Sprintf("date %q", date)}
	}
	if c, err = parseAny(clockLayouts, clock); err != nil {
		return time.Time{}, &Error{Reason: MalformedInput, detail: fmt.Sprintf("time %q", clock)}
	}

	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), c.Second(), 0, loc), nil
}

func parseAny(layouts []string, raw string) (time.Time, error) {
	var err error
	for _, l := range layouts {
		var t time.Time
		if t, err = time.Parse(l, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// Validate combines date and clock in loc and checks the result against now
// and the lead time.
func Validate(date, clock string, lead time.Duration, now time.Time, loc *time.Location) (time.Time, error) {
	t, err := Combine(date, clock, loc)
	if err != nil {
		return time.Time{}, err
	}
	if err := ValidateInstant(t, lead, now); err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// ValidateInstant applies the schedule rule to an already combined instant:
// t < now is InPast, now <= t < now+lead is BelowLeadTime.
func ValidateInstant(t time.Time, lead time.Duration, now time.Time) error {
	if t.IsZero() {
		return &Error{Reason: MalformedInput, detail: "time is not set"}
	}
	if lead < 0 {
		lead = 0
	}
	earliest := now.Add(lead)
	switch {
	case t.Before(now):
		return &Error{Reason: InPast, Earliest: earliest}
	case t.Before(earliest):
		return &Error{Reason: BelowLeadTime, Earliest: earliest, detail: fmt.Sprintf("needs at least %s", lead)}
	}
	return nil
}

// EarliestAllowed is the first instant that passes ValidateInstant.
func EarliestAllowed(lead time.Duration, now time.Time) time.Time {
	if lead < 0 {
		lead = 0
	}
	return now.Add(lead)
}

// Remaining returns how long t stays schedulable under lead, or 0 once it has
// fallen below the lead window.
func Remaining(t time.Time, lead time.Duration, now time.Time) time.Duration {
	left := t.Sub(EarliestAllowed(lead, now))
	if left < 0 {
		return 0
	}
	return left
}

// Op distinguishes first creation from edits of a pending message; the two
// may require different lead times.
type Op int

const (
	OpCreate Op = iota
	OpEdit
)

type LeadPolicy struct {
	Create time.Duration
	Edit   time.Duration
}

func (p LeadPolicy) For(op Op) time.Duration {
	if op == OpEdit {
		return p.Edit
	}
	return p.Create
}

// DefaultPolicy mirrors the lead times the dashboards enforced: five minutes
// when a message is first scheduled, three when it is rescheduled.
var DefaultPolicy = LeadPolicy{Create: 5 * time.Minute, Edit: 3 * time.Minute}

type LeadTimes map[model.Channel]LeadPolicy

func DefaultLeadTimes() LeadTimes {
	lt := LeadTimes{}
	for _, ch := range model.Channels {
		lt[ch] = DefaultPolicy
	}
	return lt
}

// Lead returns the lead time for channel and op, falling back to DefaultPolicy.
func (lt LeadTimes) Lead(ch model.Channel, op Op) time.Duration {
	if p, ok := lt[ch]; ok {
		return p.For(op)
	}
	return DefaultPolicy.For(op)
}
