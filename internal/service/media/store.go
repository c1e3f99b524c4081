// Package media 在内存中保存合成音频与上传照片，并以 URI 对外引用。
package media

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	mediamodel "github.com/zhouzirui/mindful-companion/backend/internal/model/media"
)

// ErrNotFound 表示媒体不存在或已被淘汰。
var ErrNotFound = errors.New("media not found")

// DefaultMaxBytes bounds the total size of retained blobs.
const DefaultMaxBytes = 64 << 20

// Blob is a stored payload.
type Blob struct {
	ID          string
	Data        []byte
	ContentType string
	Kind        mediamodel.Kind
	CreatedAt   time.Time
}

// Store keeps blobs in insertion order and evicts the oldest when the byte
// budget is exceeded.
type Store struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
	size     int
	maxBytes int
	baseURI  string
}

// NewStore creates a store serving refs under baseURI, e.g. "/api/media".
func NewStore(baseURI string, maxBytes int) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Store{
		items:    make(map[string]*list.Element),
		order:    list.New(),
		maxBytes: maxBytes,
		baseURI:  strings.TrimRight(baseURI, "/"),
	}
}

// Put stores data and returns a reference to it.
func (s *Store) Put(data []byte, contentType string, kind mediamodel.Kind) (mediamodel.Ref, error) {
	if len(data) == 0 {
		return mediamodel.Ref{}, fmt.Errorf("media payload is empty")
	}
	if len(data) > s.maxBytes {
		return mediamodel.Ref{}, fmt.Errorf("media payload of %d bytes exceeds limit %d", len(data), s.maxBytes)
	}

	blob := &Blob{
		ID:          uuid.NewString(),
		Data:        append([]byte(nil), data...),
		ContentType: contentType,
		Kind:        kind,
		CreatedAt:   time.Now(),
	}

	s.mu.Lock()
	s.items[blob.ID] = s.order.PushBack(blob)
	s.size += len(blob.Data)
	for s.size > s.maxBytes {
		s.removeLocked(s.order.Front())
	}
	s.mu.Unlock()

	return mediamodel.Ref{
		URI:         s.baseURI + "/" + blob.ID,
		ContentType: contentType,
		Kind:        kind,
	}, nil
}

// Get returns a stored blob.
func (s *Store) Get(id string) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[id]
	if !ok {
		return Blob{}, ErrNotFound
	}
	return *el.Value.(*Blob), nil
}

// Release drops the blob behind ref when it lives in this store.
func (s *Store) Release(ref mediamodel.Ref) {
	id, ok := s.idFromURI(ref.URI)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[id]; ok {
		s.removeLocked(el)
	}
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) idFromURI(uri string) (string, bool) {
	prefix := s.baseURI + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}

func (s *Store) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	blob := s.order.Remove(el).(*Blob)
	delete(s.items, blob.ID)
	s.size -= len(blob.Data)
}
