package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

var budapest = time.FixedZone("CET", 3600)

func TestValidate_ScenarioA_BelowLeadTimeLateInDay(t *testing.T) {
	now := time.Date(2026, 10, 17, 23, 58, 0, 0, budapest)

	_, err := Validate("2026-10-17", "23:59", 5*time.Minute, now, budapest)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBelowLeadTime)
	assert.Equal(t, BelowLeadTime, ReasonOf(err))
}

func TestValidate_ScenarioB_YesterdayIsInPast(t *testing.T) {
	now := time.Date(2026, 10, 17, 9, 0, 0, 0, budapest)

	for _, clock := range []string{"00:00", "09:30", "23:59"} {
		_, err := Validate("2026-10-16", clock, 5*time.Minute, now, budapest)
		assert.ErrorIs(t, err, ErrInPast, "clock %s", clock)
	}
}

func TestValidate_Boundaries(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, budapest)
	lead := 5 * time.Minute

	cases := []struct {
		clock string
		want  Reason
	}{
		{"11:59", InPast},
		{"12:00", BelowLeadTime},
		{"12:04", BelowLeadTime},
		{"12:04:59", BelowLeadTime},
		{"12:05", ""},
		{"13:00", ""},
	}

	for _, tc := range cases {
		t.Run(tc.clock, func(t *testing.T) {
			got, err := Validate("2026-10-17", tc.clock, lead, now, budapest)
			if tc.want == "" {
				require.NoError(t, err)
				assert.False(t, got.Before(now.Add(lead)))
				return
			}
			assert.Equal(t, tc.want, ReasonOf(err))
		})
	}
}

// Exhaustive check of the iff-property over a grid of offsets and leads.
func TestValidateInstant_Property(t *testing.T) {
	now := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	for _, lead := range []time.Duration{0, time.Minute, 3 * time.Minute, 5 * time.Minute} {
		for off := -10 * time.Minute; off <= 10*time.Minute; off += 30 * time.Second {
			at := now.Add(off)
			err := ValidateInstant(at, lead, now)

			switch {
			case at.Before(now):
				assert.ErrorIs(t, err, ErrInPast, "lead=%s off=%s", lead, off)
			case at.Before(now.Add(lead)):
				assert.ErrorIs(t, err, ErrBelowLeadTime, "lead=%s off=%s", lead, off)
			default:
				assert.NoError(t, err, "lead=%s off=%s", lead, off)
			}
		}
	}
}

func TestValidate_MalformedInput(t *testing.T) {
	now := time.Now()

	for _, tc := range []struct{ date, clock string }{
		{"", "10:00"},
		{"2026-10-17", ""},
		{"17/10/2026", "10:00"},
		{"2026-02-30", "10:00"},
		{"2026-10-17", "25:00"},
		{"2026-10-17", "noon"},
	} {
		_, err := Validate(tc.date, tc.clock, time.Minute, now, nil)
		assert.ErrorIs(t, err, ErrMalformedInput, "%q %q", tc.date, tc.clock)
	}
}

func TestValidate_NegativeLeadIsZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, ValidateInstant(now, -time.Hour, now))
}

func TestCombine_UsesLocation(t *testing.T) {
	got, err := Combine("2026-10-17", "08:15", budapest)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 17, 7, 15, 0, 0, time.UTC), got.UTC())
}

func TestRemaining(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	at := now.Add(20 * time.Minute)

	assert.Equal(t, 15*time.Minute, Remaining(at, 5*time.Minute, now))
	assert.Equal(t, time.Duration(0), Remaining(at, 5*time.Minute, now.Add(time.Hour)))
}

func TestLeadTimes(t *testing.T) {
	lt := DefaultLeadTimes()
	assert.Equal(t, 5*time.Minute, lt.Lead(model.SMS, OpCreate))
	assert.Equal(t, 3*time.Minute, lt.Lead(model.SMS, OpEdit))

	lt[model.Mail] = LeadPolicy{Create: 10 * time.Minute, Edit: 10 * time.Minute}
	assert.Equal(t, 10*time.Minute, lt.Lead(model.Mail, OpEdit))

	var empty LeadTimes
	assert.Equal(t, DefaultPolicy.Create, empty.Lead(model.Chat, OpCreate))
}

func TestError_Message(t *testing.T) {
	err := ValidateInstant(time.Unix(100, 0), time.Minute, time.Unix(90, 0))
	var se *Error
	require.True(t, errors.As(err, &se))
	assert.Contains(t, err.Error(), "lead time")
	assert.Equal(t, time.Unix(150, 0), se.Earliest)
}
