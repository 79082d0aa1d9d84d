package model

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestCreateRequest_Validate_MailRequiresSubject(t *testing.T) {
	req := CreateRequest{
		Channel:     Mail,
		Body:        "hello",
		Recipients:  []Recipient{{ContactID: "c1", Address: "a@example.com"}},
		ScheduledAt: time.Now().Add(time.Hour),
	}

	err := req.Validate()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if _, ok := ve.Field("subject"); !ok {
		t.Fatalf("expected subject field error, got %v", ve.Fields)
	}

	req.Subject = "greetings"
	if err := req.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateRequest_Validate_SubjectRejectedForSMS(t *testing.T) {
	req := CreateRequest{
		Channel:     SMS,
		Subject:     "nope",
		Body:        "hi",
		Recipients:  []Recipient{{ContactID: "c1", Address: "+3612345"}},
		ScheduledAt: time.Now().Add(time.Hour),
	}

	var ve *ValidationError
	if err := req.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if _, ok := ve.Field("subject"); !ok {
		t.Fatalf("expected subject field error, got %v", ve.Fields)
	}
}

func TestCreateRequest_Validate_EmptyRecipientsAndBody(t *testing.T) {
	req := CreateRequest{Channel: Chat, ScheduledAt: time.Now()}

	var ve *ValidationError
	if err := req.Validate(); !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, f := range []string{"body", "recipients"} {
		if _, ok := ve.Field(f); !ok {
			t.Fatalf("expected %s field error, got %v", f, ve.Fields)
		}
	}
}

func TestPatch_Validate(t *testing.T) {
	empty := ""
	subj := "s"

	if err := (Patch{}).Validate(SMS); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty patch to be rejected, got %v", err)
	}
	if err := (Patch{Body: &empty}).Validate(SMS); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty body to be rejected, got %v", err)
	}
	if err := (Patch{Subject: &subj}).Validate(SMS); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected subject on sms to be rejected, got %v", err)
	}
	if err := (Patch{Subject: &subj}).Validate(Mail); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFilter_Matches(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	m := ScheduledMessage{
		Body:        "Quarterly Report",
		Recipients:  []Recipient{{DisplayName: "Éva Kovács"}},
		ScheduledAt: at,
		Status:      Pending,
	}

	from := at.Add(-time.Hour)
	to := at.Add(time.Hour)

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"body case-insensitive", Filter{Query: "quarterly"}, true},
		{"recipient name", Filter{Query: "éva"}, true},
		{"no match", Filter{Query: "invoice"}, false},
		{"status match", Filter{Statuses: []Status{Pending, Sent}}, true},
		{"status mismatch", Filter{Statuses: []Status{Failed}}, false},
		{"in range", Filter{From: &from, To: &to}, true},
		{"to is exclusive", Filter{To: &at}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Matches(m); got != tc.want {
				t.Fatalf("Matches() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParseFilter_RoundTripsValues(t *testing.T) {
	v := url.Values{}
	v.Add("q", "  hi ")
	v.Add("status", "sent,pending")
	v.Add("status", "sent")
	v.Add("from", "2026-01-01T00:00:00Z")
	v.Add("limit", "abc")

	f, err := ParseFilter(v)
	if err != nil {
		t.Fatalf("ParseFilter() error: %v", err)
	}
	if f.Query != "hi" {
		t.Fatalf("expected trimmed query, got %q", f.Query)
	}
	if len(f.Statuses) != 2 {
		t.Fatalf("expected 2 distinct statuses, got %v", f.Statuses)
	}
	if f.From == nil || f.To != nil {
		t.Fatalf("unexpected range: from=%v to=%v", f.From, f.To)
	}
	if f.Limit != 0 {
		t.Fatalf("expected invalid limit to fall back to 0, got %d", f.Limit)
	}

	if got, want := f.Key(), "from=2026-01-01T00%3A00%3A00Z&q=hi&status=pending%2Csent"; got != want {
		t.Fatalf("Key() = %q, want %q", got, want)
	}
}

func TestFilter_ValuesKeepSubSecondBounds(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 500_000_000, time.UTC)
	to := from.Add(time.Millisecond)
	f := Filter{From: &from, To: &to}

	back, err := ParseFilter(f.Values())
	if err != nil {
		t.Fatalf("ParseFilter() error: %v", err)
	}
	if back.From == nil || !back.From.Equal(from) {
		t.Fatalf("from: expected %v, got %v", from, back.From)
	}
	if back.To == nil || !back.To.Equal(to) {
		t.Fatalf("to: expected %v, got %v", to, back.To)
	}

	whole := from.Truncate(time.Second)
	if f.Key() == (Filter{From: &whole, To: &to}).Key() {
		t.Fatalf("filters with different sub-second bounds must not share a cache key")
	}
}

func TestParseFilter_InvalidStatus(t *testing.T) {
	if _, err := ParseFilter(url.Values{"status": {"archived"}}); err == nil {
		t.Fatalf("expected error for unknown status")
	}
}
