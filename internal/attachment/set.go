// Package attachment keeps the files attached to a draft or to a message
// being edited. Files picked locally and files already stored by the backend
// share a display shape but not a removal path: only local files can be
// dropped here, stored ones go through a gateway patch.
package attachment

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/LeventeLantos/scheduled-dispatch/internal/model"
)

var (
	ErrIndexOutOfRange = errors.New("attachment index out of range")
	ErrPersisted       = errors.New("attachment is stored by the backend; remove it with a patch")
	ErrTooLarge        = errors.New("attachment exceeds the size limit")
	ErrEmptyName       = errors.New("attachment has no name")
)

const MaxSize int64 = 10 << 20

type Kind int

const (
	KindLocal Kind = iota
	KindStored
)

func (k Kind) String() string {
	if k == KindStored {
		return "stored"
	}
	return "local"
}

// Local is a file picked on the client and not yet uploaded.
type Local struct {
	Name     string
	MimeType string
	Content  []byte
}

// Item is one entry of a Set. Exactly one of local or stored is meaningful,
// depending on Kind.
type Item struct {
	kind   Kind
	local  Local
	stored model.Attachment
}

func (it Item) Kind() Kind { return it.kind }

func (it Item) Name() string {
	if it.kind == KindStored {
		return it.stored.Name
	}
	return it.local.Name
}

func (it Item) MimeType() string {
	if it.kind == KindStored {
		return it.stored.MimeType
	}
	return it.local.MimeType
}

func (it Item) Size() int64 {
	if it.kind == KindStored {
		return it.stored.Size
	}
	return int64(len(it.local.Content))
}

// StoredID returns the backend id for stored items.
func (it Item) StoredID() (string, bool) {
	return it.stored.ID, it.kind == KindStored
}

type Encoded struct {
	Name     string
	MimeType string
	Size     int64
	Content  []byte
}

// Set is an immutable, ordered collection. The zero value is empty and ready
// to use.
type Set struct {
	items []Item
}

// FromStored seeds a set with the attachments of a persisted message.
func FromStored(as []model.Attachment) Set {
	items := make([]Item, 0, len(as))
	for _, a := range as {
		items = append(items, Item{kind: KindStored, stored: a})
	}
	return Set{items: items}
}

func (s Set) Len() int { return len(s.items) }

func (s Set) Items() []Item {
	out := make([]Item, len(s.items))
	copy(out, s.items)
	return out
}

// Add returns a new set with f appended.
func (s Set) Add(f Local) (Set, error) {
	if f.Name == "" {
		return s, ErrEmptyName
	}
	if int64(len(f.Content)) > MaxSize {
		return s, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, f.Name, len(f.Content))
	}
	if f.MimeType == "" {
		f.MimeType = DetectMimeType(f.Name, f.Content)
	}
	items := make([]Item, len(s.items), len(s.items)+1)
	copy(items, s.items)
	return Set{items: append(items, Item{kind: KindLocal, local: f})}, nil
}

// Remove returns a new set without the local item at index. Stored items are
// refused with ErrPersisted.
func (s Set) Remove(index int) (Set, error) {
	if index < 0 || index >= len(s.items) {
		return s, ErrIndexOutOfRange
	}
	if s.items[index].kind == KindStored {
		return s, ErrPersisted
	}
	items := make([]Item, 0, len(s.items)-1)
	items = append(items, s.items[:index]...)
	items = append(items, s.items[index+1:]...)
	return Set{items: items}, nil
}

// Detach returns a new set without the stored item at index, together with
// its backend id. The caller must send the id as a patch removal; the file
// stays on the server until that patch succeeds.
func (s Set) Detach(index int) (Set, string, error) {
	if index < 0 || index >= len(s.items) {
		return s, "", ErrIndexOutOfRange
	}
	it := s.items[index]
	if it.kind != KindStored {
		return s, "", fmt.Errorf("attachment %d is local; use Remove", index)
	}
	items := make([]Item, 0, len(s.items)-1)
	items = append(items, s.items[:index]...)
	items = append(items, s.items[index+1:]...)
	return Set{items: items}, it.stored.ID, nil
}

// Payload returns the local items to upload, in display order.
func (s Set) Payload() []Encoded {
	var out []Encoded
	for _, it := range s.items {
		if it.kind != KindLocal {
			continue
		}
		out = append(out, Encoded{
			Name:     it.local.Name,
			MimeType: it.local.MimeType,
			Size:     int64(len(it.local.Content)),
			Content:  it.local.Content,
		})
	}
	return out
}

// NewAttachments converts the local items into request attachments.
func (s Set) NewAttachments() []model.NewAttachment {
	enc := s.Payload()
	if len(enc) == 0 {
		return nil
	}
	out := make([]model.NewAttachment, 0, len(enc))
	for _, e := range enc {
		out = append(out, model.NewAttachment{Name: e.Name, MimeType: e.MimeType, Content: e.Content})
	}
	return out
}

// LoadFile reads path into a Local.
func LoadFile(path string) (Local, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Local{}, err
	}
	if st.Size() > MaxSize {
		return Local{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, st.Size())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Local{}, err
	}
	name := filepath.Base(path)
	return Local{Name: name, MimeType: DetectMimeType(name, b), Content: b}, nil
}

// DetectMimeType prefers the extension and falls back to content sniffing.
func DetectMimeType(name string, content []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(content)
}
