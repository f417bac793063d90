/**
 * History store - capacity-bounded, searchable recognition history
 *
 * In-memory store of recognition results with optional persistence behind
 * the Persister interface. Capacity bounds the number of unpinned items;
 * appending past the bound evicts the oldest unpinned items by creation
 * time. Identical captures (same image bytes and recognized text) merge
 * into the existing item instead of inserting a duplicate.
 *
 * Mutations serialize through a write lock; searches run concurrently under
 * a read lock and hand out deep copies so callers never observe a partially
 * applied mutation.
 */

package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snaptext/ocr-worker/internal/errors"
	"github.com/snaptext/ocr-worker/internal/logging"
	"github.com/snaptext/ocr-worker/internal/ocr"
)

// DefaultCapacity bounds the unpinned item count when none is configured.
const DefaultCapacity = 100

// Item is one stored capture with its recognition result and user metadata.
type Item struct {
	ID string `json:"id"`

	// Image is the captured input. Its byte buffer is shared between copies
	// and never mutated in place.
	Image *ocr.CaptureImage `json:"-"`

	// ImageHash content-addresses the image bytes.
	ImageHash string `json:"image_hash"`

	// ContentHash identifies the (image bytes, recognized text) pair for
	// deduplication.
	ContentHash string `json:"content_hash"`

	Result *ocr.Result `json:"result"`

	Tags   []string `json:"tags,omitempty"`
	Pinned bool     `json:"pinned"`
	Note   string   `json:"note,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// NewItem builds a store-ready item from a capture and its result.
func NewItem(img *ocr.CaptureImage, result *ocr.Result, tags ...string) *Item {
	if result == nil {
		result = &ocr.Result{}
	}
	var data []byte
	if img != nil {
		data = img.Data
	}

	now := time.Now().UTC()
	return &Item{
		ID:             uuid.New().String(),
		Image:          img,
		ImageHash:      hashBytes(data),
		ContentHash:    ContentHash(data, result.FullText),
		Result:         result,
		Tags:           normalizeTags(tags),
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

// Clone returns a deep copy. Image bytes are shared; they are immutable by
// contract.
func (i *Item) Clone() *Item {
	out := *i
	out.Tags = append([]string(nil), i.Tags...)
	if i.Result != nil {
		out.Result = i.Result.Clone()
	}
	if i.Image != nil {
		img := *i.Image
		out.Image = &img
	}
	return &out
}

// HasTag reports whether the exact tag is present.
func (i *Item) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (i *Item) matches(loweredQuery string) bool {
	if i.Result != nil && strings.Contains(strings.ToLower(i.Result.FullText), loweredQuery) {
		return true
	}
	for _, tag := range i.Tags {
		if strings.Contains(strings.ToLower(tag), loweredQuery) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(i.Note), loweredQuery)
}

// ContentHash hashes the image bytes and recognized text into the dedup key.
func ContentHash(imageData []byte, fullText string) string {
	h := sha256.New()
	h.Write(imageData)
	h.Write([]byte{0})
	h.Write([]byte(fullText))
	return hex.EncodeToString(h.Sum(nil))
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if existing == tag {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, tag)
		}
	}
	return out
}

func unionTags(existing, incoming []string) []string {
	out := append([]string(nil), existing...)
	for _, tag := range normalizeTags(incoming) {
		present := false
		for _, have := range out {
			if have == tag {
				present = true
				break
			}
		}
		if !present {
			out = append(out, tag)
		}
	}
	return out
}

// Persister stores items durably. Implementations must tolerate repeated
// saves of the same item (upsert semantics).
type Persister interface {
	SaveItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]*Item, error)
	Close() error
}

// Stats summarizes the store for health and monitoring endpoints.
type Stats struct {
	Items    int `json:"items"`
	Pinned   int `json:"pinned"`
	Capacity int `json:"capacity"`
}

// Store is the capacity-bounded history collection.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	items     map[string]*Item
	byHash    map[string]string
	persister Persister
	logger    *logging.Logger
}

// NewStore creates a store bounding the unpinned item count to capacity.
// persister may be nil for a purely in-memory store.
func NewStore(capacity int, persister Persister) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		items:     make(map[string]*Item),
		byHash:    make(map[string]string),
		persister: persister,
		logger:    logging.NewLogger("HistoryStore"),
	}
}

// Capacity returns the configured unpinned-item bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// Append inserts an item, or merges it into an existing item with the same
// content hash. It returns a copy of the stored item and whether the append
// deduplicated. Persistence failures are logged, never surfaced.
func (s *Store) Append(ctx context.Context, item *Item) (*Item, bool) {
	if item == nil {
		return nil, false
	}

	s.mu.Lock()

	if existingID, ok := s.byHash[item.ContentHash]; ok {
		existing := s.items[existingID]
		existing.LastAccessedAt = time.Now().UTC()
		existing.Tags = unionTags(existing.Tags, item.Tags)
		merged := existing.Clone()
		s.mu.Unlock()

		s.logger.Debug("Duplicate capture merged", "itemID", merged.ID)
		s.persist(ctx, merged)
		return merged, true
	}

	stored := item.Clone()
	s.items[stored.ID] = stored
	s.byHash[stored.ContentHash] = stored.ID
	evicted := s.evictLocked()
	saved := stored.Clone()
	s.mu.Unlock()

	s.persist(ctx, saved)
	for _, victim := range evicted {
		s.logger.Debug("Evicted history item", "itemID", victim.ID)
		s.unpersist(ctx, victim.ID)
	}
	return saved, false
}

// ArchiveResult appends a fresh item built from a capture and its result.
func (s *Store) ArchiveResult(ctx context.Context, img *ocr.CaptureImage, result *ocr.Result, tags []string) error {
	if result == nil {
		return errors.NewInvalidRequestError("cannot archive a nil result")
	}
	s.Append(ctx, NewItem(img, result, tags...))
	return nil
}

// Get returns a copy of one item.
func (s *Store) Get(id string) (*Item, error) {
	s.mu.RLock()
	item, ok := s.items[id]
	if !ok {
		s.mu.RUnlock()
		return nil, errors.NewNotFoundError("history item", id)
	}
	out := item.Clone()
	s.mu.RUnlock()
	return out, nil
}

// Search returns copies of every item whose recognized text, tags, or note
// contain the query, case-insensitively. An empty query matches everything.
// Results order by most recently touched, then most recently created.
func (s *Store) Search(query string) []*Item {
	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	matches := make([]*Item, 0, len(s.items))
	for _, item := range s.items {
		if q == "" || item.matches(q) {
			matches = append(matches, item.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(a, b int) bool {
		if !matches[a].LastAccessedAt.Equal(matches[b].LastAccessedAt) {
			return matches[a].LastAccessedAt.After(matches[b].LastAccessedAt)
		}
		return matches[a].CreatedAt.After(matches[b].CreatedAt)
	})
	return matches
}

// Pin exempts an item from eviction.
func (s *Store) Pin(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(item *Item) {
		item.Pinned = true
	})
	return err
}

// Unpin removes the eviction exemption. Unpinning never evicts by itself;
// the bound is re-checked on the next append.
func (s *Store) Unpin(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(item *Item) {
		item.Pinned = false
	})
	return err
}

// Tag adds a tag to an item.
func (s *Store) Tag(ctx context.Context, id, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.NewInvalidRequestError("tag must not be empty")
	}
	_, err := s.mutate(ctx, id, func(item *Item) {
		item.Tags = unionTags(item.Tags, []string{tag})
	})
	return err
}

// Untag removes a tag from an item.
func (s *Store) Untag(ctx context.Context, id, tag string) error {
	_, err := s.mutate(ctx, id, func(item *Item) {
		kept := item.Tags[:0]
		for _, have := range item.Tags {
			if have != tag {
				kept = append(kept, have)
			}
		}
		item.Tags = kept
	})
	return err
}

// SetNote replaces an item's note.
func (s *Store) SetNote(ctx context.Context, id, note string) error {
	_, err := s.mutate(ctx, id, func(item *Item) {
		item.Note = note
	})
	return err
}

// Touch marks an item as accessed, moving it to the front of recency order.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(*Item) {})
	return err
}

// Delete removes an item.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("history item", id)
	}
	delete(s.items, id)
	if current, mapped := s.byHash[item.ContentHash]; mapped && current == id {
		delete(s.byHash, item.ContentHash)
	}
	s.mu.Unlock()

	s.unpersist(ctx, id)
	return nil
}

// Len returns the number of stored items, pinned included.
func (s *Store) Len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

// Stats summarizes the store.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	pinned := 0
	for _, item := range s.items {
		if item.Pinned {
			pinned++
		}
	}
	stats := Stats{
		Items:    len(s.items),
		Pinned:   pinned,
		Capacity: s.capacity,
	}
	s.mu.RUnlock()
	return stats
}

// Restore loads persisted items into the store, then applies the capacity
// bound.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	loaded, err := s.persister.LoadAll(ctx)
	if err != nil {
		return errors.NewStorageFailedError(err)
	}

	s.mu.Lock()
	for _, item := range loaded {
		if item == nil || item.ID == "" {
			continue
		}
		if _, dup := s.byHash[item.ContentHash]; dup {
			continue
		}
		s.items[item.ID] = item
		if item.ContentHash != "" {
			s.byHash[item.ContentHash] = item.ID
		}
	}
	evicted := s.evictLocked()
	restored := len(s.items)
	s.mu.Unlock()

	for _, victim := range evicted {
		s.unpersist(ctx, victim.ID)
	}

	s.logger.Info("History restored", "items", restored, "evicted", len(evicted))
	return nil
}

// mutate applies fn to one item under the write lock, touches its access
// time, and persists the outcome.
func (s *Store) mutate(ctx context.Context, id string, fn func(*Item)) (*Item, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFoundError("history item", id)
	}
	fn(item)
	item.LastAccessedAt = time.Now().UTC()
	updated := item.Clone()
	s.mu.Unlock()

	s.persist(ctx, updated)
	return updated, nil
}

// evictLocked removes the oldest unpinned items until the bound holds.
// Callers hold the write lock. Ties on creation time break by id so eviction
// stays deterministic.
func (s *Store) evictLocked() []*Item {
	var evicted []*Item
	for s.unpinnedLocked() > s.capacity {
		var victim *Item
		for _, item := range s.items {
			if item.Pinned {
				continue
			}
			if victim == nil ||
				item.CreatedAt.Before(victim.CreatedAt) ||
				(item.CreatedAt.Equal(victim.CreatedAt) && item.ID < victim.ID) {
				victim = item
			}
		}
		if victim == nil {
			break
		}
		delete(s.items, victim.ID)
		if current, mapped := s.byHash[victim.ContentHash]; mapped && current == victim.ID {
			delete(s.byHash, victim.ContentHash)
		}
		evicted = append(evicted, victim)
	}
	return evicted
}

func (s *Store) unpinnedLocked() int {
	n := 0
	for _, item := range s.items {
		if !item.Pinned {
			n++
		}
	}
	return n
}

func (s *Store) persist(ctx context.Context, item *Item) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveItem(ctx, item); err != nil {
		s.logger.Error("Failed to persist history item", "itemID", item.ID, "error", err.Error())
	}
}

func (s *Store) unpersist(ctx context.Context, id string) {
	if s.persister == nil {
		return
	}
	if err := s.persister.DeleteItem(ctx, id); err != nil {
		s.logger.Error("Failed to delete persisted history item", "itemID", id, "error", err.Error())
	}
}
