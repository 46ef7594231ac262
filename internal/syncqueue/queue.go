// Package syncqueue implements the bounded, key-coalescing request queue
// that feeds the sync worker pool.
package syncqueue

import (
	"container/list"
	"context"
	"sync"
)

// Kind names a sync request's effect.
type Kind string

const (
	KindSyncLocalUpdate  Kind = "SyncLocalUpdate"
	KindSyncLocalDelete  Kind = "SyncLocalDelete"
	KindCloudUpdateLocal Kind = "CloudUpdateLocal"
	KindCloudDeleteLocal Kind = "CloudDeleteLocal"
)

// Request is one unit of sync work.
type Request struct {
	Kind       Kind
	Thing      string
	ShadowName string
	Payload    []byte
	Version    int64

	// Attempt counts prior retry attempts by the sync worker pool; it is
	// opaque to the queue itself and untouched by merging.
	Attempt int
}

// Key returns the (thing, shadow) coalescing key for req.
func (r Request) Key() string {
	if r.ShadowName == "" {
		return r.Thing
	}
	return r.Thing + "\x00" + r.ShadowName
}

// Merger combines two requests that share a key into one.
type Merger interface {
	Merge(existing, next Request) Request
}

// DefaultMerger implements the tie-break rules for coalescing two requests
// against the same key: delete supersedes update, a full cloud-sync kind
// supersedes a partial local-update kind, otherwise the newer request wins
// and carries the highest version seen.
type DefaultMerger struct{}

func (DefaultMerger) Merge(existing, next Request) Request {
	merged := next
	if merged.Version < existing.Version {
		merged.Version = existing.Version
	}

	if isDelete(existing.Kind) && !isDelete(next.Kind) {
		merged.Kind = existing.Kind
		merged.Payload = existing.Payload
		return merged
	}
	if isDelete(next.Kind) {
		return merged
	}

	if isCloudSync(existing.Kind) && !isCloudSync(next.Kind) {
		merged.Kind = existing.Kind
		merged.Payload = existing.Payload
		return merged
	}

	return merged
}

func isDelete(k Kind) bool {
	return k == KindSyncLocalDelete || k == KindCloudDeleteLocal
}

func isCloudSync(k Kind) bool {
	return k == KindCloudUpdateLocal || k == KindCloudDeleteLocal
}

// Queue is a bounded, blocking, key-coalescing FIFO. notFull/notEmpty are
// closed-and-replaced broadcast channels rather than sync.Cond, so that
// Put/Take can select on ctx.Done() alongside the wakeup.
type Queue struct {
	mu sync.Mutex

	capacity int
	merger   Merger

	order   *list.List               // of string keys, FIFO by first appearance
	byKey   map[string]*list.Element // key -> element in order
	entries map[string]Request       // key -> current merged request

	notFull  chan struct{}
	notEmpty chan struct{}
}

// NewQueue builds a Queue with the given capacity (default 1024 if <= 0)
// and merger (DefaultMerger if nil).
func NewQueue(capacity int, merger Merger) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	if merger == nil {
		merger = DefaultMerger{}
	}
	return &Queue{
		capacity: capacity,
		merger:   merger,
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
		entries:  make(map[string]Request),
		notFull:  make(chan struct{}),
		notEmpty: make(chan struct{}),
	}
}

// callers must hold q.mu.
func (q *Queue) wakeFull()  { close(q.notFull); q.notFull = make(chan struct{}) }
func (q *Queue) wakeEmpty() { close(q.notEmpty); q.notEmpty = make(chan struct{}) }

// Put inserts req, blocking while the queue is full and the key is not
// already present (a merge into an existing key never blocks, since size
// does not change). ctx cancellation unblocks Put with ctx.Err().
func (q *Queue) Put(ctx context.Context, req Request) error {
	if req.Thing == "" && req.ShadowName == "" && req.Kind == "" {
		panic("syncqueue: nil request")
	}

	for {
		q.mu.Lock()
		key := req.Key()
		_, exists := q.entries[key]
		if exists || q.order.Len() < q.capacity {
			q.putLocked(req)
			q.wakeEmpty()
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// putLocked performs the merge-in-place insert; caller holds q.mu.
func (q *Queue) putLocked(req Request) {
	key := req.Key()
	if _, ok := q.byKey[key]; ok {
		existing := q.entries[key]
		q.entries[key] = q.merger.Merge(existing, req)
		return
	}
	el := q.order.PushBack(key)
	q.byKey[key] = el
	q.entries[key] = req
}

// Offer is the non-blocking form of Put: returns false if the queue is
// full and key is new.
func (q *Queue) Offer(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Key()
	if _, exists := q.entries[key]; !exists && q.order.Len() >= q.capacity {
		return false
	}
	q.putLocked(req)
	q.wakeEmpty()
	return true
}

// Take blocks until a request is available, then removes and returns the
// head (FIFO by first appearance).
func (q *Queue) Take(ctx context.Context) (Request, error) {
	for {
		q.mu.Lock()
		if q.order.Len() > 0 {
			req := q.popFrontLocked()
			q.mu.Unlock()
			return req, nil
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Request{}, ctx.Err()
		}
	}
}

// Poll is the non-blocking form of Take: ok is false if the queue is
// empty.
func (q *Queue) Poll() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.order.Len() == 0 {
		return Request{}, false
	}
	return q.popFrontLocked(), true
}

func (q *Queue) popFrontLocked() Request {
	front := q.order.Front()
	key := front.Value.(string)
	req := q.entries[key]

	q.order.Remove(front)
	delete(q.byKey, key)
	delete(q.entries, key)
	q.wakeFull()
	return req
}

// PutAndTake atomically combines a put with a take: if the queue is empty,
// req is returned unchanged. If the head's key
// differs from req's key, req is enqueued and the head is returned and
// removed. If the head's key matches req's key, they are merged (order
// depends on preferNew), the entry is removed, and the merged request is
// returned.
func (q *Queue) PutAndTake(req Request, preferNew bool) Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.order.Len() == 0 {
		return req
	}

	front := q.order.Front()
	headKey := front.Value.(string)

	if headKey != req.Key() {
		q.putLocked(req)
		q.wakeEmpty()
		return q.popFrontLocked()
	}

	existing := q.entries[headKey]
	var merged Request
	if preferNew {
		merged = q.merger.Merge(existing, req)
	} else {
		merged = q.merger.Merge(req, existing)
	}

	q.order.Remove(front)
	delete(q.byKey, headKey)
	delete(q.entries, headKey)
	q.wakeFull()
	return merged
}

// Remove deletes the entry for req's key, if present.
func (q *Queue) Remove(req Request) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Key()
	el, ok := q.byKey[key]
	if !ok {
		return
	}
	q.order.Remove(el)
	delete(q.byKey, key)
	delete(q.entries, key)
	q.wakeFull()
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.order.Init()
	q.byKey = make(map[string]*list.Element)
	q.entries = make(map[string]Request)
	q.wakeFull()
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len()
}

func (q *Queue) IsEmpty() bool { return q.Size() == 0 }

func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.order.Len() >= q.capacity
}
