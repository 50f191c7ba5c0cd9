// Package blobstore stages import credentials and descriptors outside the
// database until the import worker has consumed them.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	credentialSuffix = ".session"
	descriptorSuffix = ".json"
)

// ErrInvalidKey is returned for empty keys or keys that leave the root.
var ErrInvalidKey = errors.New("blobstore: invalid key")

// Handle identifies a staged credential/descriptor pair.
type Handle string

// Store saves, loads and deletes staged blob pairs.
type Store interface {
	Save(ctx context.Context, key string, credential, descriptor []byte) (Handle, error)
	Load(ctx context.Context, h Handle) (credential, descriptor []byte, err error)
	Delete(ctx context.Context, h Handle) error
}

// Local keeps blobs on the local filesystem under root.
type Local struct {
	root string
}

// NewLocal creates the root directory when missing.
func NewLocal(root string) (*Local, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("blobstore: empty root")
	}
	abs, errAbs := filepath.Abs(root)
	if errAbs != nil {
		return nil, fmt.Errorf("blobstore: resolve root: %w", errAbs)
	}
	if errMkdir := os.MkdirAll(abs, 0o700); errMkdir != nil {
		return nil, fmt.Errorf("blobstore: create root: %w", errMkdir)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute storage directory.
func (l *Local) Root() string { return l.root }

func (l *Local) resolve(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	full := filepath.Join(l.root, filepath.FromSlash(key))
	rel, errRel := filepath.Rel(l.root, full)
	if errRel != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return full, nil
}

// Save writes <key>.session and <key>.json. A failed write leaves nothing behind.
func (l *Local) Save(ctx context.Context, key string, credential, descriptor []byte) (Handle, error) {
	if errCtx := ctx.Err(); errCtx != nil {
		return "", errCtx
	}
	base, errResolve := l.resolve(key)
	if errResolve != nil {
		return "", errResolve
	}
	if errMkdir := os.MkdirAll(filepath.Dir(base), 0o700); errMkdir != nil {
		return "", fmt.Errorf("blobstore: create dir for %s: %w", key, errMkdir)
	}
	if errWrite := os.WriteFile(base+credentialSuffix, credential, 0o600); errWrite != nil {
		_ = os.Remove(base + credentialSuffix)
		return "", fmt.Errorf("blobstore: write credential %s: %w", key, errWrite)
	}
	if errWrite := os.WriteFile(base+descriptorSuffix, descriptor, 0o600); errWrite != nil {
		_ = os.Remove(base + credentialSuffix)
		_ = os.Remove(base + descriptorSuffix)
		return "", fmt.Errorf("blobstore: write descriptor %s: %w", key, errWrite)
	}
	return Handle(filepath.ToSlash(strings.TrimSpace(key))), nil
}

// Load reads both blobs of h.
func (l *Local) Load(ctx context.Context, h Handle) ([]byte, []byte, error) {
	if errCtx := ctx.Err(); errCtx != nil {
		return nil, nil, errCtx
	}
	base, errResolve := l.resolve(string(h))
	if errResolve != nil {
		return nil, nil, errResolve
	}
	credential, errRead := os.ReadFile(base + credentialSuffix)
	if errRead != nil {
		return nil, nil, fmt.Errorf("blobstore: read credential %s: %w", h, errRead)
	}
	descriptor, errRead := os.ReadFile(base + descriptorSuffix)
	if errRead != nil {
		return nil, nil, fmt.Errorf("blobstore: read descriptor %s: %w", h, errRead)
	}
	return credential, descriptor, nil
}

// Delete removes both blobs of h. Missing files are not an error. The
// containing directory is removed once it is empty.
func (l *Local) Delete(_ context.Context, h Handle) error {
	base, errResolve := l.resolve(string(h))
	if errResolve != nil {
		return errResolve
	}
	var errs []error
	for _, suffix := range []string{credentialSuffix, descriptorSuffix} {
		if errRemove := os.Remove(base + suffix); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
			errs = append(errs, errRemove)
		}
	}
	if dir := filepath.Dir(base); dir != l.root {
		_ = os.Remove(dir)
	}
	if len(errs) > 0 {
		return fmt.Errorf("blobstore: delete %s: %w", h, errors.Join(errs...))
	}
	return nil
}
