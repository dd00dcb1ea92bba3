// Package artifact stores immutable, versioned, named payloads produced by tasks.
//
// An artifact is never mutated once committed. Writing the same name again
// creates a new version; versions start at 1 and strictly increase per name.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("artifact not found")

// Latest selects the highest committed version in Get.
const Latest uint64 = 0

type Artifact struct {
	Name       string
	Version    uint64
	Kind       string
	Payload    []byte
	Digest     string
	ProducedBy string
	CreatedAt  time.Time
}

// Ref renders name@version, the form used in logs and error messages.
func (a Artifact) Ref() string {
	return fmt.Sprintf("%s@%d", a.Name, a.Version)
}

// Ref points at one committed version of an artifact.
type Ref struct {
	Name    string `json:"name"`
	Version uint64 `json:"version"`
}

func (a Artifact) ID() Ref { return Ref{Name: a.Name, Version: a.Version} }

// clone copies the payload so callers never share the stored buffer.
func (a Artifact) clone() Artifact {
	a.Payload = bytes.Clone(a.Payload)
	return a
}

// Draft is an artifact that has not been committed yet.
type Draft struct {
	Name       string
	Kind       string
	Payload    []byte
	ProducedBy string
}

type Store interface {
	// Put commits a single draft as the next version of its name.
	Put(ctx context.Context, d Draft) (Artifact, error)
	// Commit publishes all drafts atomically: either every draft gets a
	// version or none does.
	Commit(ctx context.Context, drafts []Draft) ([]Artifact, error)
	// Get returns a specific version, or the latest when version is Latest.
	Get(ctx context.Context, name string, version uint64) (Artifact, error)
	Versions(ctx context.Context, name string) ([]uint64, error)
	Names(ctx context.Context) ([]string, error)
	// Remember records the artifacts published for a task fingerprint, keyed
	// by output name. A later call for the same fingerprint replaces the entry.
	Remember(ctx context.Context, fingerprint string, outputs map[string]Ref) error
	// Recall returns what Remember recorded, or ErrNotFound.
	Recall(ctx context.Context, fingerprint string) (map[string]Ref, error)
	Close() error
}

// Digest is the hex sha256 of a payload.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func validateDrafts(drafts []Draft) error {
	for i, d := range drafts {
		if d.Name == "" {
			return fmt.Errorf("draft %d: name is required", i)
		}
		if d.Kind == "" {
			return fmt.Errorf("draft %q: kind is required", d.Name)
		}
	}
	return nil
}

func noCacheEntry(fingerprint string) error {
	return fmt.Errorf("%w: cache entry %s", ErrNotFound, fingerprint)
}

func notFound(name string, version uint64) error {
	if version == Latest {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return fmt.Errorf("%w: %s@%d", ErrNotFound, name, version)
}
