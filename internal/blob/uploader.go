package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/analyst/internal/errors"
	"github.com/p-blackswan/analyst/internal/identity"
)

// IdentityWaiter blocks until an identity is established.
type IdentityWaiter interface {
	Wait(ctx context.Context, d time.Duration) (*identity.Identity, error)
}

// File is an in-memory file to upload.
type File struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Uploaded describes a stored upload.
type Uploaded struct {
	URL         string
	StoragePath string
}

// UploaderConfig bounds the upload path.
type UploaderConfig struct {
	// IdentityWait is how long to wait for an identity before failing.
	IdentityWait time.Duration
	// Timeout is the hard ceiling on the transfer itself.
	Timeout time.Duration
}

// Uploader writes project files to the object store once an identity is
// established, with a hard timeout on the transfer.
type Uploader struct {
	store    ObjectStore
	identity IdentityWaiter
	cfg      UploaderConfig
	now      func() time.Time
	logger   zerolog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(store ObjectStore, id IdentityWaiter, cfg UploaderConfig, logger zerolog.Logger) *Uploader {
	if cfg.IdentityWait <= 0 {
		cfg.IdentityWait = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Uploader{
		store:    store,
		identity: id,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "uploader").Logger(),
	}
}

// StoragePath returns the object key for a project upload.
func StoragePath(projectID string, at time.Time, name string) string {
	return fmt.Sprintf("projects/%s/uploads/%d_%s", projectID, at.UnixMilli(), sanitizeName(name))
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}

// Upload stores f under the project's upload prefix and returns its URL.
// Failures wrap ErrAuthFailure, ErrTimeout or ErrStorage.
func (u *Uploader) Upload(ctx context.Context, projectID string, f File) (*Uploaded, error) {
	id, err := u.identity.Wait(ctx, u.cfg.IdentityWait)
	if err != nil {
		if !errors.Is(err, perrors.ErrAuthFailure) {
			err = fmt.Errorf("%w: %w", perrors.ErrAuthFailure, err)
		}
		return nil, err
	}

	key := StoragePath(projectID, u.now(), f.Name)
	meta := map[string]string{"owner-uid": id.UID, "original-name": f.Name}

	ctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := u.store.Put(ctx, key, bytes.NewReader(f.Data), int64(len(f.Data)), f.MIMEType, meta); err != nil {
			done <- result{err: err}
			return
		}
		url, err := u.store.URL(ctx, key)
		done <- result{url: url, err: err}
	}()

	// The ceiling holds even if the store ignores ctx.
	select {
	case r := <-done:
		if r.err != nil {
			return nil, classifyUpload(ctx, r.err)
		}
		u.logger.Debug().Str("key", key).Msg("upload complete")
		return &Uploaded{URL: r.url, StoragePath: key}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: upload exceeded %s", perrors.ErrTimeout, u.cfg.Timeout)
	}
}

func classifyUpload(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, perrors.ErrAuthFailure), errors.Is(err, perrors.ErrTimeout), errors.Is(err, perrors.ErrStorage):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", perrors.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", perrors.ErrStorage, err)
	}
}
