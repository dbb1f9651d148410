package store

import (
	"context"
	"strings"
	"sync"

	"github.com/UCBerkeleySETI/meerkat-backend-interface/errors"
)

// MemStore is an in-memory Store used by unit tests and local development.
// It preserves the Store contract: per-channel publish order is delivered
// in order to each subscriber, and no delivery is durable.
type MemStore struct {
	mu     sync.RWMutex
	kv     map[string]string
	lists  map[string][]string
	hashes map[string]map[string]string

	subMu sync.RWMutex
	subs  map[string][]*memSub
}

type memSub struct {
	ch  chan Message
	ctx context.Context
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		kv:     make(map[string]string),
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
		subs:   make(map[string][]*memSub),
	}
}

// Get returns the value for key.
func (ms *MemStore) Get(_ context.Context, key string) (string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	v, ok := ms.kv[key]
	if !ok {
		return "", errors.ErrKeyNotFound
	}
	return v, nil
}

// Set creates or replaces the value for key.
func (ms *MemStore) Set(_ context.Context, key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.kv[key] = value
	return nil
}

// GetList returns the list stored at key.
func (ms *MemStore) GetList(_ context.Context, key string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	values := ms.lists[key]
	out := make([]string, len(values))
	copy(out, values)
	return out, nil
}

// SetList replaces the list stored at key.
func (ms *MemStore) SetList(_ context.Context, key string, values []string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	stored := make([]string, len(values))
	copy(stored, values)
	ms.lists[key] = stored
	return nil
}

// HSet sets one field of the hash at key.
func (ms *MemStore) HSet(_ context.Context, key, field, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	hash, ok := ms.hashes[key]
	if !ok {
		hash = make(map[string]string)
		ms.hashes[key] = hash
	}
	hash[field] = value
	return nil
}

// HGetAll returns all fields of the hash at key.
func (ms *MemStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	hash, ok := ms.hashes[key]
	if !ok {
		return nil, nil
	}
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out, nil
}

// Delete removes key from every value space.
func (ms *MemStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.kv, key)
	delete(ms.lists, key)
	delete(ms.hashes, key)
	return nil
}

// Keys returns all keys with the given prefix.
func (ms *MemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var matched []string
	seen := map[string]bool{}
	for _, space := range []map[string]bool{ms.kvKeys(), ms.listKeys(), ms.hashKeys()} {
		for k := range space {
			if strings.HasPrefix(k, prefix) && !seen[k] {
				matched = append(matched, k)
				seen[k] = true
			}
		}
	}
	return matched, nil
}

func (ms *MemStore) kvKeys() map[string]bool {
	keys := map[string]bool{}
	for k := range ms.kv {
		keys[k] = true
	}
	return keys
}

func (ms *MemStore) listKeys() map[string]bool {
	keys := map[string]bool{}
	for k := range ms.lists {
		keys[k] = true
	}
	return keys
}

func (ms *MemStore) hashKeys() map[string]bool {
	keys := map[string]bool{}
	for k := range ms.hashes {
		keys[k] = true
	}
	return keys
}

// Publish delivers message to every live subscriber of channel, in
// publish order per subscriber. Full subscriber buffers drop the message.
// The read lock is held across the sends so a subscriber channel is never
// closed mid-delivery.
func (ms *MemStore) Publish(_ context.Context, channel, message string) error {
	ms.subMu.RLock()
	defer ms.subMu.RUnlock()

	for _, sub := range ms.subs[channel] {
		select {
		case <-sub.ctx.Done():
		case sub.ch <- Message{Channel: channel, Data: message}:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of messages published on channel until ctx
// is done.
func (ms *MemStore) Subscribe(ctx context.Context, channel string) (<-chan Message, error) {
	sub := &memSub{
		ch:  make(chan Message, 256),
		ctx: ctx,
	}

	ms.subMu.Lock()
	ms.subs[channel] = append(ms.subs[channel], sub)
	ms.subMu.Unlock()

	go func() {
		<-ctx.Done()
		ms.subMu.Lock()
		defer ms.subMu.Unlock()
		live := ms.subs[channel][:0]
		for _, s := range ms.subs[channel] {
			if s != sub {
				live = append(live, s)
			}
		}
		ms.subs[channel] = live
		// Closed under the write lock: Publish holds the read lock while
		// sending, so no send can race this close.
		close(sub.ch)
	}()

	return sub.ch, nil
}

var _ Store = (*MemStore)(nil)
