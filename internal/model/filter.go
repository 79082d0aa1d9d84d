package model

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Filter selects messages of one channel. Zero values match everything.
type Filter struct {
	Query    string
	From     *time.Time
	To       *time.Time
	Statuses []Status
	Limit    int
	Offset   int
}

// Matches reports whether m passes the filter, ignoring Limit and Offset.
func (f Filter) Matches(m ScheduledMessage) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, m.Status) {
		return false
	}
	if f.From != nil && m.ScheduledAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !m.ScheduledAt.Before(*f.To) {
		return false
	}
	q := strings.TrimSpace(f.Query)
	if q == "" {
		return true
	}
	folder := cases.Fold()
	q = folder.String(q)
	if strings.Contains(folder.String(m.Body), q) || strings.Contains(folder.String(m.Subject), q) {
		return true
	}
	for _, r := range m.Recipients {
		if strings.Contains(folder.String(r.DisplayName), q) {
			return true
		}
	}
	return false
}

// Key returns a canonical string for the filter, stable across status order.
func (f Filter) Key() string {
	return f.Values().Encode()
}

func (f Filter) Values() url.Values {
	v := url.Values{}
	if q := strings.TrimSpace(f.Query); q != "" {
		v.Set("q", q)
	}
	if f.From != nil {
		v.Set("from", f.From.UTC().Format(time.RFC3339Nano))
	}
	if f.To != nil {
		v.Set("to", f.To.UTC().Format(time.RFC3339Nano))
	}
	if len(f.Statuses) > 0 {
		ss := make([]string, 0, len(f.Statuses))
		for _, s := range f.Statuses {
			ss = append(ss, string(s))
		}
		slices.Sort(ss)
		ss = slices.Compact(ss)
		v.Set("status", strings.Join(ss, ","))
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// ParseFilter reads a filter from query parameters. status may be repeated
// or comma separated.
func ParseFilter(v url.Values) (Filter, error) {
	f := Filter{Query: strings.TrimSpace(v.Get("q"))}

	for _, key := range []string{"from", "to"} {
		raw := v.Get(key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Filter{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		if key == "from" {
			f.From = &t
		} else {
			f.To = &t
		}
	}

	for _, raw := range v["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			s, err := ParseStatus(part)
			if err != nil {
				return Filter{}, err
			}
			if !slices.Contains(f.Statuses, s) {
				f.Statuses = append(f.Statuses, s)
			}
		}
	}

	f.Limit = parseNonNegative(v.Get("limit"))
	f.Offset = parseNonNegative(v.Get("offset"))
	return f, nil
}

func parseNonNegative(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
