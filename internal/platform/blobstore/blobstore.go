// Package blobstore is the content-addressed payload archive. Audit rows
// carry only a payload hash and size; the bytes themselves are kept here,
// keyed by that hash, so a compliance reviewer can fetch exactly what was
// exchanged. Objects are write-once: storing the same payload twice is a
// no-op.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/interop/internal/platform/auth"
)

var (
	ErrNotFound     = errors.New("blobstore: payload not found")
	ErrHashMismatch = errors.New("blobstore: payload does not match its hash")
	ErrInvalidHash  = errors.New("blobstore: hash must be 64 lowercase hex characters")
	ErrTooLarge     = errors.New("blobstore: payload exceeds maximum size")
)

// MaxPayloadSize bounds a single archived payload (16 MB).
const MaxPayloadSize = 16 * 1024 * 1024

const defaultContentType = "application/octet-stream"

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Object is one archived payload.
type Object struct {
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	Data        []byte    `json:"-"`
}

// Store archives payloads by hash.
type Store interface {
	Put(ctx context.Context, hash string, payload []byte, contentType string) error
	Get(ctx context.Context, hash string) (*Object, error)
}

// Sum returns the archive key of payload.
func Sum(payload []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(payload))
}

func verify(hash string, payload []byte) error {
	if !hashPattern.MatchString(hash) {
		return ErrInvalidHash
	}
	if len(payload) > MaxPayloadSize {
		return ErrTooLarge
	}
	if Sum(payload) != hash {
		return ErrHashMismatch
	}
	return nil
}

// objectKey spreads objects over 256 prefixes.
func objectKey(hash string) string {
	return "payloads/" + hash[:2] + "/" + hash
}

// MemoryStore is a thread-safe in-process archive for tests and
// STORAGE=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*Object
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, hash string, payload []byte, contentType string) error {
	if err := verify(hash, payload); err != nil {
		return err
	}
	if contentType == "" {
		contentType = defaultContentType
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[hash]; ok {
		return nil
	}
	s.objects[hash] = &Object{
		Hash:        hash,
		ContentType: contentType,
		Size:        int64(len(payload)),
		StoredAt:    s.now().UTC(),
		Data:        bytes.Clone(payload),
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, hash string) (*Object, error) {
	s.mu.RLock()
	o, ok := s.objects[hash]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	cp.Data = bytes.Clone(o.Data)
	return &cp, nil
}

// Len reports the number of distinct payloads held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Handler serves archived payloads to auditors.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("auditor"))
	g.GET("/payloads/:hash", h.GetPayload)
}

// GetPayload streams the archived bytes with their original content type.
// ?meta=true returns the object description instead.
func (h *Handler) GetPayload(c echo.Context) error {
	hash := c.Param("hash")
	if !hashPattern.MatchString(hash) {
		return echo.NewHTTPError(http.StatusBadRequest, ErrInvalidHash.Error())
	}
	o, err := h.store.Get(c.Request().Context(), hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "payload not archived")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if c.QueryParam("meta") == "true" {
		return c.JSON(http.StatusOK, o)
	}
	c.Response().Header().Set("X-Payload-Hash", o.Hash)
	return c.Stream(http.StatusOK, o.ContentType, io.NopCloser(bytes.NewReader(o.Data)))
}
