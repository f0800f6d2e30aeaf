package media_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatstore/internal/blob"
	"chatstore/internal/media"
	"chatstore/internal/observe"
	"chatstore/pkg/domain"
)

func backends(t *testing.T) map[string]blob.Store {
	t.Helper()
	fs, err := blob.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]blob.Store{
		"memory": blob.NewMemory(),
		"fs":     fs,
		"s3":     blob.NewMockS3ForTests(),
	}
}

func eachBackend(t *testing.T, fn func(t *testing.T, s *media.Store)) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := media.New(b, observe.Hooks{})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			fn(t, s)
		})
	}
}

func TestPutGetHas(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *media.Store) {
		ctx := context.Background()
		if ok, err := s.HasMedia(ctx, "mxc://x/abc"); err != nil || ok {
			t.Fatalf("fresh HasMedia: %v %v", ok, err)
		}
		info, err := s.PutMedia(ctx, "mxc://x/abc", []byte("png-bytes"), "image/png")
		if err != nil {
			t.Fatalf("PutMedia: %v", err)
		}
		if info.ContentID != "mxc://x/abc" || info.Size != 9 || info.SHA256 == "" {
			t.Fatalf("unexpected info %+v", info)
		}
		got, data, err := s.GetMedia(ctx, "mxc://x/abc")
		if err != nil || string(data) != "png-bytes" || got.ContentType != "image/png" || got.SHA256 != info.SHA256 {
			t.Fatalf("GetMedia: %+v %q %v", got, data, err)
		}
		if ok, err := s.HasMedia(ctx, "mxc://x/abc"); err != nil || !ok {
			t.Fatalf("HasMedia: %v %v", ok, err)
		}
	})
}

func TestPutIsWriteOnce(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *media.Store) {
		ctx := context.Background()
		first, err := s.PutMedia(ctx, "id", []byte("same"), "text/plain")
		if err != nil {
			t.Fatalf("PutMedia: %v", err)
		}
		again, err := s.PutMedia(ctx, "id", []byte("same"), "text/plain")
		if err != nil {
			t.Fatalf("identical PutMedia must be a no-op, got %v", err)
		}
		if again.SHA256 != first.SHA256 || again.Size != first.Size {
			t.Fatalf("idempotent put returned %+v, want %+v", again, first)
		}
		if _, err := s.PutMedia(ctx, "id", []byte("different"), "text/plain"); !errors.Is(err, domain.ErrMediaExists) {
			t.Fatalf("expected ErrMediaExists, got %v", err)
		}
		if _, data, _ := s.GetMedia(ctx, "id"); string(data) != "same" {
			t.Fatalf("payload replaced: %q", data)
		}
	})
}

func TestConcurrentPutsConverge(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *media.Store) {
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.PutMedia(context.Background(), "shared", []byte("payload"), "")
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("concurrent identical put: %v", err)
			}
		}
	})
}

func TestMissingMedia(t *testing.T) {
	eachBackend(t, func(t *testing.T, s *media.Store) {
		if _, _, err := s.GetMedia(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.PutMedia(context.Background(), "", []byte("x"), ""); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestExpiredDeadlineIsTimeout(t *testing.T) {
	s, err := media.New(blob.NewMockS3ForTests(), observe.Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	if _, err := s.PutMedia(ctx, "id", []byte("x"), ""); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNewRejectsNilBlobStore(t *testing.T) {
	if _, err := media.New(nil, observe.Hooks{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTamperedPayloadIsCorruption(t *testing.T) {
	root := t.TempDir()
	fs, err := blob.NewFilesystem(root)
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	s, err := media.New(fs, observe.Hooks{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := s.PutMedia(ctx, "id", []byte("original"), ""); err != nil {
		t.Fatalf("PutMedia: %v", err)
	}
	sum := sha256.Sum256([]byte("id"))
	h := hex.EncodeToString(sum[:])
	if err := os.WriteFile(filepath.Join(root, "media", h[:2], h), []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	if _, _, err := s.GetMedia(ctx, "id"); !errors.Is(err, domain.ErrCorruption) {
		t.Fatalf("expected ErrCorruption, got %v", err)
	}
}
