// Package session defines the authenticated-session collaborator consumed by
// the dispatch gateway. Token storage and the refresh flow belong to the
// session owner; the gateway only asks for the current credential and, after
// a 401, for exactly one refresh.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrAuthExpired means the session cannot be refreshed; the user must log in
// again.
var ErrAuthExpired = errors.New("session expired")

type Session interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Static holds a fixed credential. Refresh delegates to RefreshFunc when set
// and fails with ErrAuthExpired otherwise.
type Static struct {
	mu          sync.Mutex
	token       string
	RefreshFunc func(ctx context.Context) (string, error)
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Token(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", ErrAuthExpired
	}
	return s.token, nil
}

func (s *Static) Refresh(ctx context.Context) (string, error) {
	if s.RefreshFunc == nil {
		return "", ErrAuthExpired
	}
	tok, err := s.RefreshFunc(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	if tok == "" {
		return "", ErrAuthExpired
	}
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	return tok, nil
}

// File reads the credential from a file owned by another process (a login
// helper rewrites it). Refresh re-reads the file and fails when the token is
// unchanged, since retrying with the same credential cannot succeed.
type File struct {
	path string

	mu   sync.Mutex
	last string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) read() (string, error) {
	b, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (f *File) Token(context.Context) (string, error) {
	tok, err := f.read()
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", ErrAuthExpired
	}
	f.mu.Lock()
	f.last = tok
	f.mu.Unlock()
	return tok, nil
}

func (f *File) Refresh(context.Context) (string, error) {
	tok, err := f.read()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tok == "" || tok == f.last {
		return "", ErrAuthExpired
	}
	f.last = tok
	return tok, nil
}
