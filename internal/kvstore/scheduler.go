package kvstore

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/cuemby/brook/internal/tree"
	"github.com/rs/zerolog"
)

// treeKey identifies one KV entry across its tree and key.
type treeKey struct {
	tree string
	key  string
}

// heapItem is one scheduled expiration.
type heapItem struct {
	expiresAt time.Time
	treeKey   treeKey
	index     int
}

type expirationHeap []*heapItem

func (h expirationHeap) Len() int            { return len(h) }
func (h expirationHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expirationHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *expirationHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *expirationHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// TreeOpener resolves a tree by name so the scheduler can remove
// expired entries without depending on kvstore.Engine directly.
type TreeOpener interface {
	Tree(name string) (*tree.Tree, error)
}

// ExpirationScheduler is the single per-process min-heap scheduler:
// one background worker sleeps until the earliest deadline, then
// removes expired entries. Every mutating KV operation posts an
// update (insert/replace/remove) under the scheduler's own lock;
// expiration is best-effort — readers may observe an expired entry
// for a window bounded by scheduler lag.
type ExpirationScheduler struct {
	mu     sync.Mutex
	items  expirationHeap
	index  map[treeKey]*heapItem
	opener TreeOpener
	wake   chan struct{}
	logger zerolog.Logger
}

// NewExpirationScheduler builds a scheduler that removes expired keys
// from trees resolved via opener.
func NewExpirationScheduler(opener TreeOpener, logger zerolog.Logger) *ExpirationScheduler {
	return &ExpirationScheduler{
		index:  make(map[treeKey]*heapItem),
		opener: opener,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// SetOpener binds the scheduler to the tree opener it expires keys
// through. Needed because Engine and ExpirationScheduler reference
// each other: the scheduler is constructed first with a nil opener,
// then bound to the Engine built on top of it.
func (s *ExpirationScheduler) SetOpener(opener TreeOpener) {
	s.opener = opener
}

// Update inserts, replaces, or removes the scheduled expiration for
// (treeName, key). Pass a nil expiration to cancel.
func (s *ExpirationScheduler) Update(treeName string, key []byte, expiration *time.Time) {
	tk := treeKey{tree: treeName, key: string(key)}

	s.mu.Lock()
	if existing, ok := s.index[tk]; ok {
		heap.Remove(&s.items, existing.index)
		delete(s.index, tk)
	}
	if expiration != nil {
		item := &heapItem{expiresAt: *expiration, treeKey: tk}
		heap.Push(&s.items, item)
		s.index[tk] = item
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the worker loop; it exits cooperatively when ctx is
// cancelled.
func (s *ExpirationScheduler) Run(ctx context.Context) {
	for {
		s.mu.Lock()
		var wait time.Duration
		hasNext := len(s.items) > 0
		if hasNext {
			wait = time.Until(s.items[0].expiresAt)
		} else {
			wait = time.Hour
		}
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
			continue
		case <-timer.C:
			s.expireDue()
		}
	}
}

func (s *ExpirationScheduler) expireDue() {
	now := time.Now()
	for {
		s.mu.Lock()
		if len(s.items) == 0 || s.items[0].expiresAt.After(now) {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.items).(*heapItem)
		delete(s.index, item.treeKey)
		s.mu.Unlock()

		t, err := s.opener.Tree(item.treeKey.tree)
		if err != nil {
			s.logger.Error().Err(err).Str("tree", item.treeKey.tree).Msg("expiration: resolve tree")
			continue
		}
		if _, _, err := t.Remove([]byte(item.treeKey.key)); err != nil {
			// Swallowed: the expiration worker keeps running across
			// individual removal failures.
			s.logger.Error().Err(err).Str("tree", item.treeKey.tree).Msg("expiration: remove key")
		}
	}
}
