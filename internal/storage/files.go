package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTooLarge           = errors.New("audio file exceeds maximum size")
	ErrUnsupportedType    = errors.New("unsupported audio content type")
	ErrInvalidBlobName    = errors.New("invalid blob name")
	ErrForeignBlobURL     = errors.New("url is not served by this blob store")
	AllowedAudioTypes     = []string{"audio/wav", "audio/mp3", "audio/mpeg", "audio/webm", "audio/m4a", "audio/ogg", "audio/flac", "audio/aac"}
	allowedAudioTypeIndex = func() map[string]struct{} {
		idx := make(map[string]struct{}, len(AllowedAudioTypes))
		for _, ct := range AllowedAudioTypes {
			idx[ct] = struct{}{}
		}
		return idx
	}()
)

var mimeExtensionFallback = map[string]string{
	"audio/mpeg": ".mp3",
	"audio/mp3":  ".mp3",
	"audio/m4a":  ".m4a",
	"audio/wav":  ".wav",
	"audio/webm": ".webm",
	"audio/ogg":  ".ogg",
	"audio/flac": ".flac",
	"audio/aac":  ".aac",
}

// BlobStore keeps uploaded audio on local disk and exposes it under a
// public base URL.
type BlobStore struct {
	dir            string
	baseURL        string
	maxUploadBytes int64
}

func NewBlobStore(baseDir, baseURL string, maxUploadBytes int64) (*BlobStore, error) {
	bs := &BlobStore{
		dir:            filepath.Join(baseDir, "audio"),
		baseURL:        baseURL,
		maxUploadBytes: maxUploadBytes,
	}

	if err := os.MkdirAll(bs.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", bs.dir, err)
	}

	return bs, nil
}

// IsAllowedAudioType reports whether contentType is on the upload allowlist.
func IsAllowedAudioType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := allowedAudioTypeIndex[strings.ToLower(mediaType)]
	return ok
}

// NewBlobName picks a unique on-disk name that keeps the caller's extension.
func NewBlobName(pathname, contentType string) (string, error) {
	if !IsAllowedAudioType(contentType) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}

	ext := normalizeExtension(pathname)
	if ext == "" {
		ext = fallbackExtension(contentType)
	}
	if ext == "" {
		ext = ".bin"
	}
	return uuid.NewString() + ext, nil
}

func (bs *BlobStore) URL(name string) string {
	return bs.baseURL + url.PathEscape(name)
}

func (bs *BlobStore) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrInvalidBlobName
	}
	return filepath.Join(bs.dir, name), nil
}

// Save streams r to disk, enforcing the upload cap. Returns the public URL.
func (bs *BlobStore) Save(name string, r io.Reader) (string, error) {
	p, err := bs.Path(name)
	if err != nil {
		return "", err
	}
	if err := bs.writeWithLimit(p, r); err != nil {
		return "", err
	}
	return bs.URL(name), nil
}

func (bs *BlobStore) NameFromURL(rawURL string) (string, error) {
	if !strings.HasPrefix(rawURL, bs.baseURL) {
		return "", ErrForeignBlobURL
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse blob url: %w", err)
	}
	name, err := url.PathUnescape(path.Base(parsed.Path))
	if err != nil {
		return "", ErrInvalidBlobName
	}
	if _, err := bs.Path(name); err != nil {
		return "", err
	}
	return name, nil
}

func (bs *BlobStore) DeleteByURL(_ context.Context, rawURL string) error {
	name, err := bs.NameFromURL(rawURL)
	if err != nil {
		return err
	}
	p, _ := bs.Path(name)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("blob %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (bs *BlobStore) writeWithLimit(p string, r io.Reader) error {
	tmp, err := os.CreateTemp(bs.dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create audio file: %w", err)
	}

	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	src := r
	if bs.maxUploadBytes > 0 {
		src = io.LimitReader(r, bs.maxUploadBytes+1)
	}

	written, err := io.Copy(tmp, src)
	if err != nil {
		return cleanup(fmt.Errorf("write audio file: %w", err))
	}
	if bs.maxUploadBytes > 0 && written > bs.maxUploadBytes {
		return cleanup(ErrTooLarge)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close audio file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("store audio file: %w", err)
	}

	return nil
}

func normalizeExtension(filename string) string {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(filename)))
	if ext == "" || ext == "." {
		return ""
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return ext
}

func fallbackExtension(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	if ext, ok := mimeExtensionFallback[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
