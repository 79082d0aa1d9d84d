package model

import (
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	Mail Channel = "mail"
	SMS  Channel = "sms"
	Chat Channel = "chat"
)

var Channels = []Channel{Mail, SMS, Chat}

func ParseChannel(raw string) (Channel, error) {
	switch c := Channel(strings.ToLower(strings.TrimSpace(raw))); c {
	case Mail, SMS, Chat:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", raw)
	}
}

// RequiresSubject reports whether messages on the channel carry a subject line.
func (c Channel) RequiresSubject() bool { return c == Mail }

type Status string

const (
	Pending Status = "pending"
	Sent    Status = "sent"
	Failed  Status = "failed"
)

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case Pending, Sent, Failed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", raw)
	}
}

func (s Status) Terminal() bool { return s == Sent || s == Failed }

type Recipient struct {
	ContactID   string `json:"contactId"`
	DisplayName string `json:"displayName"`
	Address     string `json:"address"`
}

// Attachment is a file already stored by the backend.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type ScheduledMessage struct {
	ID             string       `json:"id"`
	Channel        Channel      `json:"channel"`
	Subject        string       `json:"subject,omitempty"`
	Body           string       `json:"body"`
	Recipients     []Recipient  `json:"recipients"`
	Attachments    []Attachment `json:"attachments"`
	ScheduledAt    time.Time    `json:"scheduledAt"`
	Status         Status       `json:"status"`
	CreatedBy      string       `json:"createdBy"`
	SentAt         *time.Time   `json:"sentAt,omitempty"`
	IdempotencyKey string       `json:"idempotencyKey,omitempty"`

	SendNowRequestedAt *time.Time `json:"sendNowRequestedAt,omitempty"`
	SendNowRequestedBy string     `json:"sendNowRequestedBy,omitempty"`

	RemoteID  string    `json:"remoteId,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contact is a read-only directory entry used to resolve recipients.
type Contact struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Phone       string `json:"phone" yaml:"phone"`
	MailAddress string `json:"mailAddress" yaml:"mail"`
}

// NewAttachment is file content submitted with a create or patch request.
type NewAttachment struct {
	Name     string
	MimeType string
	Content  []byte
}

type CreateRequest struct {
	Channel        Channel         `json:"-"`
	Subject        string          `json:"subject,omitempty"`
	Body           string          `json:"body"`
	Recipients     []Recipient     `json:"recipients"`
	ScheduledAt    time.Time       `json:"scheduledAt"`
	IdempotencyKey string          `json:"-"`
	Attachments    []NewAttachment `json:"-"`
}

// Validate checks the channel-independent and channel-specific shape of the
// request. It does not check the schedule; the lead time depends on the caller.
func (r CreateRequest) Validate() error {
	var fields []FieldError
	if _, err := ParseChannel(string(r.Channel)); err != nil {
		fields = append(fields, FieldError{Field: "channel", Reason: err.Error()})
	}
	if strings.TrimSpace(r.Body) == "" {
		fields = append(fields, FieldError{Field: "body", Reason: "must not be empty"})
	}
	switch {
	case r.Channel.RequiresSubject() && strings.TrimSpace(r.Subject) == "":
		fields = append(fields, FieldError{Field: "subject", Reason: "must not be empty"})
	case !r.Channel.RequiresSubject() && r.Subject != "":
		fields = append(fields, FieldError{Field: "subject", Reason: fmt.Sprintf("not supported for %s", r.Channel)})
	}
	if len(r.Recipients) == 0 {
		fields = append(fields, FieldError{Field: "recipients", Reason: "must not be empty"})
	}
	for i, rc := range r.Recipients {
		if strings.TrimSpace(rc.Address) == "" {
			fields = append(fields, FieldError{Field: fmt.Sprintf("recipients[%d].address", i), Reason: "must not be empty"})
		}
	}
	if r.ScheduledAt.IsZero() {
		fields = append(fields, FieldError{Field: "scheduledAt", Reason: "must be set"})
	}
	for i, a := range r.Attachments {
		if strings.TrimSpace(a.Name) == "" {
			fields = append(fields, FieldError{Field: fmt.Sprintf("attachments[%d].name", i), Reason: "must not be empty"})
		}
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Patch holds the mutable fields of a pending message. Nil means unchanged.
type Patch struct {
	Subject           *string         `json:"subject,omitempty"`
	Body              *string         `json:"body,omitempty"`
	ScheduledAt       *time.Time      `json:"scheduledAt,omitempty"`
	RemoveAttachments []string        `json:"removeAttachments,omitempty"`
	AddAttachments    []NewAttachment `json:"-"`
}

func (p Patch) Empty() bool {
	return p.Subject == nil && p.Body == nil && p.ScheduledAt == nil &&
		len(p.RemoveAttachments) == 0 && len(p.AddAttachments) == 0
}

// Validate checks the patch against the channel of the message it targets.
func (p Patch) Validate(ch Channel) error {
	var fields []FieldError
	if p.Empty() {
		fields = append(fields, FieldError{Field: "patch", Reason: "no fields to update"})
	}
	if p.Body != nil && strings.TrimSpace(*p.Body) == "" {
		fields = append(fields, FieldError{Field: "body", Reason: "must not be empty"})
	}
	if p.Subject != nil {
		switch {
		case !ch.RequiresSubject():
			fields = append(fields, FieldError{Field: "subject", Reason: fmt.Sprintf("not supported for %s", ch)})
		case strings.TrimSpace(*p.Subject) == "":
			fields = append(fields, FieldError{Field: "subject", Reason: "must not be empty"})
		}
	}
	if p.ScheduledAt != nil && p.ScheduledAt.IsZero() {
		fields = append(fields, FieldError{Field: "scheduledAt", Reason: "must be set"})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// StatusEvent reports an observed status change of a message.
type StatusEvent struct {
	ID      string     `json:"id"`
	Channel Channel    `json:"channel"`
	Status  Status     `json:"status"`
	SentAt  *time.Time `json:"sentAt,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Deleted bool       `json:"deleted,omitempty"`
}
