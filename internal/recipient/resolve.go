// Package recipient maps selected contacts to channel-specific addresses.
package recipient

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

var (
	ErrEmptySelection = errors.New("no recipients selected")
	ErrMissingAddress = errors.New("contact has no address for channel")
	ErrUnknownContact = errors.New("unknown contact")
)

type MissingAddressError struct {
	ContactID string
	Channel   model.Channel
}

func (e *MissingAddressError) Error() string {
	return fmt.Sprintf("contact %s has no %s address", e.ContactID, e.Channel)
}

func (e *MissingAddressError) Is(target error) bool { return target == ErrMissingAddress }

// Warning flags a recipient that was kept but whose address could not be
// normalized.
type Warning struct {
	ContactID string
	Address   string
	Reason    string
}

type Result struct {
	Recipients []model.Recipient
	Warnings   []Warning
}

type Directory interface {
	Lookup(id string) (model.Contact, bool)
}

type options struct {
	countryCode string
}

type Option func(*options)

// WithCountryCode sets the calling code prepended to national phone numbers.
func WithCountryCode(cc string) Option {
	return func(o *options) { o.countryCode = digitsOnly(cc) }
}

const DefaultCountryCode = "36"

// Resolve turns the selected contact ids into recipients for channel,
// deduplicated by id in first-seen order. It never succeeds with an empty
// list.
func Resolve(ids []string, dir Directory, ch model.Channel, opts ...Option) (Result, error) {
	o := options{countryCode: DefaultCountryCode}
	for _, opt := range opts {
		opt(&o)
	}

	var res Result
	seen := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		c, ok := dir.Lookup(id)
		if !ok {
			return Result{}, fmt.Errorf("%w: %s", ErrUnknownContact, id)
		}

		addr, warn, err := address(c, ch, o)
		if err != nil {
			return Result{}, err
		}
		if warn != "" {
			res.Warnings = append(res.Warnings, Warning{ContactID: c.ID, Address: addr, Reason: warn})
		}
		res.Recipients = append(res.Recipients, model.Recipient{
			ContactID:   c.ID,
			DisplayName: displayName(c),
			Address:     addr,
		})
	}

	if len(res.Recipients) == 0 {
		return Result{}, ErrEmptySelection
	}
	return res, nil
}

func address(c model.Contact, ch model.Channel, o options) (addr, warning string, err error) {
	switch ch {
	case model.Mail:
		raw := strings.TrimSpace(c.MailAddress)
		if raw == "" {
			return "", "", &MissingAddressError{ContactID: c.ID, Channel: ch}
		}
		norm, ok := NormalizeMail(raw)
		if !ok {
			return raw, "not a valid mail address", nil
		}
		return norm, "", nil
	case model.SMS, model.Chat:
		raw := strings.TrimSpace(c.Phone)
		if raw == "" {
			return "", "", &MissingAddressError{ContactID: c.ID, Channel: ch}
		}
		norm, ok := NormalizePhone(raw, o.countryCode)
		if !ok {
			return raw, "phone number could not be normalized", nil
		}
		return norm, "", nil
	default:
		return "", "", fmt.Errorf("unsupported channel %q", ch)
	}
}

func displayName(c model.Contact) string {
	if n := strings.TrimSpace(c.Name); n != "" {
		return n
	}
	return c.ID
}

// NormalizePhone converts a phone number to +<country code><digits>. National
// numbers (leading 0 or 06) get countryCode; 00-prefixed numbers are treated as
// international. ok is false when the input does not look like a phone number.
func NormalizePhone(raw, countryCode string) (string, bool) {
	raw = strings.TrimSpace(raw)
	for _, r := range raw {
		if !isDigit(r) && !strings.ContainsRune("+-() ./", r) {
			return raw, false
		}
	}

	intl := strings.HasPrefix(raw, "+")
	digits := digitsOnly(raw)

	switch {
	case intl:
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case strings.HasPrefix(digits, "06") && countryCode == "36":
		digits = countryCode + digits[2:]
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case countryCode != "" && !strings.HasPrefix(digits, countryCode):
		digits = countryCode + digits
	}

	// E.164 allows at most 15 digits; anything under 8 is not routable.
	if len(digits) < 8 || len(digits) > 15 {
		return raw, false
	}
	return "+" + digits, true
}

// NormalizeMail trims the address, strips any display name and lower-cases the
// domain part.
func NormalizeMail(raw string) (string, bool) {
	a, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return raw, false
	}
	at := strings.LastIndex(a.Address, "@")
	if at < 0 {
		return raw, false
	}
	return a.Address[:at] + "@" + strings.ToLower(a.Address[at+1:]), true
}

// isDigit accepts ASCII digits only; other scripts' digits are not dialable.
func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
