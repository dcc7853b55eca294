// Package credstore persists the delegated-access credential for the
// managed account. The credential is owned by this package: other
// components receive it as an opaque handle and must never copy token
// values into logs or other artifacts.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailpilot/mailpilot/internal/fileutil"
)

// ErrAbsent is returned by Load when no credential has been persisted.
var ErrAbsent = errors.New("credstore: no credential stored")

// CorruptError indicates the persisted credential cannot be parsed. It
// is fatal at startup; secret material is never auto-repaired.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt credential store at %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Credential is a delegated-access token pair plus the scopes it was
// granted with. Scope metadata lets callers detect that a stored
// credential was authorized for narrower access than they need without
// a remote call.
type Credential struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

// ExpirySkew counts a credential that expires within this margin as
// already expired, so a token never dies mid-request.
const ExpirySkew = 30 * time.Second

// Valid reports whether the credential can authenticate a request right
// now and be renewed later: both tokens present, expiry still in the
// future. An expired-but-refreshable credential is not valid; it calls
// for a refresh, not a re-authorization. Pure function, no I/O.
func Valid(c *Credential, now time.Time) bool {
	if c == nil || c.AccessToken == "" || c.RefreshToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return true
	}
	return now.Add(ExpirySkew).Before(c.Expiry)
}

// Refreshable reports whether an invalid credential can be renewed with
// a refresh grant instead of a full re-authorization.
func Refreshable(c *Credential) bool {
	return c != nil && c.RefreshToken != ""
}

// Store reads and writes the credential file. Safe for use by a single
// writer; the orchestrator's sequencing guarantees that.
type Store struct {
	path string
}

// New returns a store backed by the given file path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file location.
func (s *Store) Path() string { return s.path }

// Load reads the persisted credential. Returns ErrAbsent when no file
// exists and a *CorruptError when the file cannot be parsed.
func (s *Store) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrAbsent
		}
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &CorruptError{Path: s.path, Err: err}
	}
	if c.RefreshToken == "" && c.AccessToken == "" {
		return nil, &CorruptError{Path: s.path, Err: errors.New("no tokens present")}
	}
	return &c, nil
}

// Save atomically persists the credential with owner-only permissions.
// A crash mid-write never yields a partially written file.
func (s *Store) Save(c *Credential) error {
	if c == nil {
		return errors.New("credstore: nil credential")
	}
	if err := fileutil.MkdirPrivate(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// Clear removes the stored credential. Used when the provider signals
// revocation; a missing file is not an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
