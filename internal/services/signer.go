package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"braindump/internal/config"
)

var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// UploadGrant authorizes a single direct upload to the blob store.
type UploadGrant struct {
	Pathname           string    `json:"pathname"`
	ContentType        string    `json:"contentType"`
	UploadURL          string    `json:"uploadUrl"`
	URL                string    `json:"url"`
	Token              string    `json:"token"`
	ExpiresAt          time.Time `json:"expiresAt"`
	MaximumSizeInBytes int64     `json:"maximumSizeInBytes"`
}

// Signer issues HMAC tokens for blob uploads and user identity.
type Signer struct {
	secret      string
	blobBaseURL string
	uploadTTL   time.Duration
	authTTL     time.Duration
	maxBytes    int64
	now         func() time.Time
}

func NewSigner(cfg config.Config) *Signer {
	return &Signer{
		secret:      cfg.AuthSecret,
		blobBaseURL: cfg.BlobBaseURL(),
		uploadTTL:   cfg.UploadTokenTTL,
		authTTL:     cfg.AuthTokenTTL,
		maxBytes:    cfg.MaxUploadBytes,
		now:         time.Now,
	}
}

func (s *Signer) SignUpload(pathname, contentType string) UploadGrant {
	expiresAt := s.now().Add(s.uploadTTL)
	token := computeSignature(uploadPayload(pathname, contentType), expiresAt.Unix(), s.secret)

	query := url.Values{}
	query.Set("exp", strconv.FormatInt(expiresAt.Unix(), 10))
	query.Set("ct", contentType)
	query.Set("token", token)

	blobURL := s.blobBaseURL + url.PathEscape(pathname)
	return UploadGrant{
		Pathname:           pathname,
		ContentType:        contentType,
		UploadURL:          blobURL + "?" + query.Encode(),
		URL:                blobURL,
		Token:              token,
		ExpiresAt:          expiresAt,
		MaximumSizeInBytes: s.maxBytes,
	}
}

func (s *Signer) ValidateUpload(pathname, contentType string, expiresAt int64, token string) error {
	if expiresAt < s.now().Unix() {
		return ErrTokenExpired
	}
	expected := computeSignature(uploadPayload(pathname, contentType), expiresAt, s.secret)
	if !hmac.Equal([]byte(token), []byte(expected)) {
		return ErrTokenInvalid
	}
	return nil
}

// IssueUserToken returns a bearer token of the form id.exp.sig.
func (s *Signer) IssueUserToken(userID string) (string, time.Time) {
	expiresAt := s.now().Add(s.authTTL)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(userID))
	sig := computeSignature(userPayload(encoded), expiresAt.Unix(), s.secret)
	return fmt.Sprintf("%s.%d.%s", encoded, expiresAt.Unix(), sig), expiresAt
}

func (s *Signer) VerifyUserToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", ErrTokenInvalid
	}

	expiresAt, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", ErrTokenInvalid
	}
	expected := computeSignature(userPayload(parts[0]), expiresAt, s.secret)
	if !hmac.Equal([]byte(parts[2]), []byte(expected)) {
		return "", ErrTokenInvalid
	}
	if expiresAt < s.now().Unix() {
		return "", ErrTokenExpired
	}

	userID, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(userID) == 0 {
		return "", ErrTokenInvalid
	}
	return string(userID), nil
}

func uploadPayload(pathname, contentType string) string {
	return "upload:" + pathname + ":" + contentType
}

func userPayload(encodedID string) string {
	return "user:" + encodedID
}

func computeSignature(payload string, expiresAt int64, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(fmt.Sprintf("%s:%d", payload, expiresAt)))
	sig := h.Sum(nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sig)
}
