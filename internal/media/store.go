// Package media keeps write-once media payloads on a blob backend, keyed by
// content identifier.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"chatstore/internal/blob"
	"chatstore/internal/observe"
	"chatstore/pkg/domain"
)

const (
	keyPrefix  = "media/"
	metaSHA256 = "sha256"
	opPutMedia = "media.put"
	opGetMedia = "media.get"
	opHasMedia = "media.has"
)

// Store implements domain.MediaStore.
type Store struct {
	blobs blob.Store
	hooks observe.Hooks
}

var _ domain.MediaStore = (*Store)(nil)

// New wraps a blob store.
func New(blobs blob.Store, hooks observe.Hooks) (*Store, error) {
	if blobs == nil {
		return nil, errors.New("media: nil blob store")
	}
	return &Store{blobs: blobs, hooks: hooks.WithDefaults()}, nil
}

// Driver reports the backing blob driver.
func (s *Store) Driver() blob.Driver { return s.blobs.Driver() }

// objectKey hashes the content identifier so arbitrary ids map onto safe,
// evenly spread object keys.
func objectKey(contentID string) string {
	sum := sha256.Sum256([]byte(contentID))
	h := hex.EncodeToString(sum[:])
	return keyPrefix + h[:2] + "/" + h
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// PutMedia stores data under contentID. Storing identical bytes again is a
// no-op that returns the original record; different bytes fail with
// domain.ErrMediaExists and leave the stored payload untouched.
func (s *Store) PutMedia(ctx context.Context, contentID string, data []byte, contentType string) (info domain.MediaInfo, err error) {
	ctx, finish := s.hooks.Start(ctx, opPutMedia)
	defer func() { finish(err) }()
	if contentID == "" {
		return domain.MediaInfo{}, domain.InvalidArgument("content id is required")
	}
	sum := digest(data)
	stored, err := s.blobs.Put(ctx, objectKey(contentID), bytes.NewReader(data), blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{metaSHA256: sum},
	})
	switch {
	case err == nil:
		s.hooks.Logger.Debug("media stored", "content_id", contentID, "size", len(data))
		return toInfo(contentID, stored, sum), nil
	case !errors.Is(err, blob.ErrExists):
		return domain.MediaInfo{}, classify(ctx, opPutMedia, err)
	}
	existing, body, err := s.read(ctx, contentID)
	if err != nil {
		return domain.MediaInfo{}, classify(ctx, opPutMedia, err)
	}
	if digest(body) != sum {
		return domain.MediaInfo{}, fmt.Errorf("%w: %s", domain.ErrMediaExists, contentID)
	}
	return existing, nil
}

// GetMedia returns the payload stored for contentID, or domain.ErrNotFound.
func (s *Store) GetMedia(ctx context.Context, contentID string) (info domain.MediaInfo, data []byte, err error) {
	ctx, finish := s.hooks.Start(ctx, opGetMedia)
	defer func() { finish(err) }()
	info, data, err = s.read(ctx, contentID)
	if err != nil {
		return domain.MediaInfo{}, nil, classify(ctx, opGetMedia, err)
	}
	return info, data, nil
}

// HasMedia reports whether a payload is stored for contentID.
func (s *Store) HasMedia(ctx context.Context, contentID string) (ok bool, err error) {
	ctx, finish := s.hooks.Start(ctx, opHasMedia)
	defer func() { finish(err) }()
	_, err = s.blobs.Head(ctx, objectKey(contentID))
	if errors.Is(err, blob.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify(ctx, opHasMedia, err)
	}
	return true, nil
}

// read fetches and verifies a payload against the digest recorded at write time.
func (s *Store) read(ctx context.Context, contentID string) (domain.MediaInfo, []byte, error) {
	stored, rc, err := s.blobs.Get(ctx, objectKey(contentID))
	if errors.Is(err, blob.ErrNotFound) {
		return domain.MediaInfo{}, nil, fmt.Errorf("%w: media %s", domain.ErrNotFound, contentID)
	}
	if err != nil {
		return domain.MediaInfo{}, nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return domain.MediaInfo{}, nil, err
	}
	sum := digest(data)
	if want := stored.Metadata[metaSHA256]; want != "" && want != sum {
		s.hooks.Logger.Error("media payload does not match its digest", "content_id", contentID)
		return domain.MediaInfo{}, nil, &domain.CorruptionError{Kind: "media", Key: contentID, Err: errors.New("sha256 mismatch")}
	}
	return toInfo(contentID, stored, sum), data, nil
}

func toInfo(contentID string, stored blob.Info, sum string) domain.MediaInfo {
	return domain.MediaInfo{
		ContentID:   contentID,
		ContentType: stored.ContentType,
		Size:        stored.Size,
		SHA256:      sum,
		StoredAt:    stored.LastModified,
	}
}

func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrCorruption), errors.Is(err, domain.ErrMediaExists):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return &domain.StorageError{Op: op, Err: err}
}
