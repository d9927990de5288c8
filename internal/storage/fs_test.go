package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/larder/internal/apperr"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func tempBucket(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir(), "http://localhost:8080/blobs/")
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func TestUploadAndRead(t *testing.T) {
	s := tempBucket(t)
	if err := s.Upload(context.Background(), "u1", "u1/a.png", pngBytes); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	got, err := s.Read("u1/a.png")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(pngBytes) {
		t.Errorf("content mismatch")
	}
}

func TestUpload_ForeignPrefixRejected(t *testing.T) {
	s := tempBucket(t)
	for _, p := range []string{"u2/a.png", "a.png", "u1/../u2/a.png"} {
		err := s.Upload(context.Background(), "u1", p, pngBytes)
		if !errors.Is(err, apperr.ErrUnauthorized) {
			t.Errorf("Upload(%q): expected ErrUnauthorized, got %v", p, err)
		}
	}
}

func TestUpload_MissingBucket(t *testing.T) {
	s, err := NewFS(filepath.Join(t.TempDir(), "absent"), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	err = s.Upload(context.Background(), "u1", "u1/a.png", pngBytes)
	if !errors.Is(err, apperr.ErrStorageMisconfigured) {
		t.Fatalf("expected ErrStorageMisconfigured, got %v", err)
	}
	if !strings.Contains(apperr.Notice(err), "storage") {
		t.Errorf("notice should be storage specific: %q", apperr.Notice(err))
	}
}

func TestRead_Missing(t *testing.T) {
	s := tempBucket(t)
	if _, err := s.Read("u1/none.png"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	s := tempBucket(t)
	if _, err := s.Read("../../etc/passwd"); err == nil {
		t.Error("expected error for path traversal")
	}
}

func TestPublicURL(t *testing.T) {
	s := tempBucket(t)
	if got := s.PublicURL("u1/a.png"); got != "http://localhost:8080/blobs/u1/a.png" {
		t.Errorf("PublicURL = %q", got)
	}
}

func TestObjectPath(t *testing.T) {
	p, err := ObjectPath("u1", pngBytes)
	if err != nil {
		t.Fatalf("ObjectPath: %v", err)
	}
	if !strings.HasPrefix(p, "u1/") || !strings.HasSuffix(p, ".png") {
		t.Errorf("unexpected path %q", p)
	}
	again, _ := ObjectPath("u1", pngBytes)
	if again != p {
		t.Errorf("path not content addressed: %q vs %q", p, again)
	}

	if _, err := ObjectPath("u1", []byte("plain text, not an image")); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for text, got %v", err)
	}
	if _, err := ObjectPath("u1", nil); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for empty data, got %v", err)
	}
}
