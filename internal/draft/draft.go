// Package draft assembles a message on the client before it is dispatched.
package draft

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/scheduled-dispatch/internal/attachment"
	"github.com/LeventeLantos/scheduled-dispatch/internal/lifecycle"
	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
	"github.com/LeventeLantos/scheduled-dispatch/internal/recipient"
	"github.com/LeventeLantos/scheduled-dispatch/internal/schedule"
)

// Draft is an unsubmitted message for exactly one channel. The idempotency
// key is fixed at construction, so resubmitting the same draft cannot create
// a second message.
type Draft struct {
	channel model.Channel
	key     string

	Subject     string
	Body        string
	ContactIDs  []string
	Attachments attachment.Set
	Date        string
	Clock       string
	Location    *time.Location
	Lead        time.Duration

	resolveOpts []recipient.Option
}

func New(ch model.Channel, opts ...recipient.Option) (*Draft, error) {
	if _, err := model.ParseChannel(string(ch)); err != nil {
		return nil, err
	}
	return &Draft{
		channel:     ch,
		key:         uuid.NewString(),
		Lead:        schedule.DefaultPolicy.Create,
		resolveOpts: opts,
	}, nil
}

func (d *Draft) Channel() model.Channel { return d.channel }
func (d *Draft) IdempotencyKey() string { return d.key }

// Report holds the outcome of every check, so a form can show all problems
// next to their fields at once.
type Report struct {
	ScheduledAt time.Time
	Recipients  []model.Recipient
	Warnings    []recipient.Warning
	Problems    []model.FieldError
}

func (r Report) OK() bool { return len(r.Problems) == 0 }

func (r Report) Problem(field string) (string, bool) {
	for _, p := range r.Problems {
		if p.Field == field {
			return p.Reason, true
		}
	}
	return "", false
}

// Check evaluates the draft against dir and now without side effects.
func (d *Draft) Check(dir recipient.Directory, now time.Time) Report {
	var r Report

	at, err := schedule.Validate(d.Date, d.Clock, d.Lead, now, d.Location)
	if err != nil {
		r.Problems = append(r.Problems, model.FieldError{Field: "scheduledAt", Reason: err.Error()})
	} else {
		r.ScheduledAt = at
	}

	res, err := recipient.Resolve(d.ContactIDs, dir, d.channel, d.resolveOpts...)
	if err != nil {
		r.Problems = append(r.Problems, model.FieldError{Field: "recipients", Reason: err.Error()})
	} else {
		r.Recipients = res.Recipients
		r.Warnings = res.Warnings
	}

	if strings.TrimSpace(d.Body) == "" {
		r.Problems = append(r.Problems, model.FieldError{Field: "body", Reason: "must not be empty"})
	}
	switch {
	case d.channel.RequiresSubject() && strings.TrimSpace(d.Subject) == "":
		r.Problems = append(r.Problems, model.FieldError{Field: "subject", Reason: "must not be empty"})
	case !d.channel.RequiresSubject() && d.Subject != "":
		r.Problems = append(r.Problems, model.FieldError{Field: "subject", Reason: "not supported for " + string(d.channel)})
	}
	return r
}

// IsSubmittable is the conjunction of all checks. The backend validates
// again on its own.
func (d *Draft) IsSubmittable(dir recipient.Directory, now time.Time) bool {
	return d.Check(dir, now).OK()
}

// Build returns the create request for the draft or a *model.ValidationError.
func (d *Draft) Build(dir recipient.Directory, now time.Time) (model.CreateRequest, error) {
	rep := d.Check(dir, now)
	if !rep.OK() {
		return model.CreateRequest{}, &model.ValidationError{Fields: rep.Problems}
	}
	req := model.CreateRequest{
		Channel:        d.channel,
		Subject:        strings.TrimSpace(d.Subject),
		Body:           d.Body,
		Recipients:     rep.Recipients,
		ScheduledAt:    rep.ScheduledAt,
		IdempotencyKey: d.key,
		Attachments:    d.Attachments.NewAttachments(),
	}
	if err := req.Validate(); err != nil {
		return model.CreateRequest{}, err
	}
	return req, nil
}

// AddFile appends a local file to the draft.
func (d *Draft) AddFile(f attachment.Local) error {
	s, err := d.Attachments.Add(f)
	if err != nil {
		return err
	}
	d.Attachments = s
	return nil
}

// RemoveFile drops the local file at index.
func (d *Draft) RemoveFile(index int) error {
	s, err := d.Attachments.Remove(index)
	if err != nil {
		return err
	}
	d.Attachments = s
	return nil
}

var ErrNothingToPatch = errors.New("no changes")

// Edit collects changes to an already scheduled message. Removal of stored
// attachments is expressed as ids in the resulting patch, never as a local
// deletion.
type Edit struct {
	Original    model.ScheduledMessage
	Subject     *string
	Body        *string
	Date        string
	Clock       string
	Location    *time.Location
	Lead        time.Duration
	Attachments attachment.Set

	removed []string
}

func NewEdit(m model.ScheduledMessage) *Edit {
	return &Edit{
		Original:    m,
		Lead:        schedule.DefaultPolicy.Edit,
		Attachments: attachment.FromStored(m.Attachments),
	}
}

// AddFile queues a new local file for upload with the patch.
func (e *Edit) AddFile(f attachment.Local) error {
	if err := lifecycle.CheckMessage(e.Original.ID, e.Original.Status, lifecycle.Edit); err != nil {
		return err
	}
	s, err := e.Attachments.Add(f)
	if err != nil {
		return err
	}
	e.Attachments = s
	return nil
}

// RemoveAttachment removes the item at index: local items are dropped from
// the set, stored ones are queued for removal through the patch.
func (e *Edit) RemoveAttachment(index int) error {
	if err := lifecycle.CheckMessage(e.Original.ID, e.Original.Status, lifecycle.RemoveAttachment); err != nil {
		return err
	}
	items := e.Attachments.Items()
	if index < 0 || index >= len(items) {
		return attachment.ErrIndexOutOfRange
	}
	if items[index].Kind() == attachment.KindStored {
		s, id, err := e.Attachments.Detach(index)
		if err != nil {
			return err
		}
		e.Attachments = s
		e.removed = append(e.removed, id)
		return nil
	}
	s, err := e.Attachments.Remove(index)
	if err != nil {
		return err
	}
	e.Attachments = s
	return nil
}

// Build returns the patch for the edit. When date or clock is set both are
// validated against the edit lead time.
func (e *Edit) Build(now time.Time) (model.Patch, error) {
	if err := lifecycle.CheckMessage(e.Original.ID, e.Original.Status, lifecycle.Edit); err != nil {
		return model.Patch{}, err
	}
	var p model.Patch
	if e.Subject != nil && *e.Subject != e.Original.Subject {
		p.Subject = e.Subject
	}
	if e.Body != nil && *e.Body != e.Original.Body {
		p.Body = e.Body
	}
	if e.Date != "" || e.Clock != "" {
		at, err := schedule.Validate(e.Date, e.Clock, e.Lead, now, e.Location)
		if err != nil {
			return model.Patch{}, &model.ValidationError{Fields: []model.FieldError{{Field: "scheduledAt", Reason: err.Error()}}}
		}
		p.ScheduledAt = &at
	}
	p.RemoveAttachments = append(p.RemoveAttachments, e.removed...)
	p.AddAttachments = e.Attachments.NewAttachments()

	if p.Empty() {
		return model.Patch{}, ErrNothingToPatch
	}
	if err := p.Validate(e.Original.Channel); err != nil {
		return model.Patch{}, err
	}
	return p, nil
}
