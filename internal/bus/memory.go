package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory implements Bus entirely in process. It mirrors the Redis backend's
// semantics closely enough that component tests exercise the same delivery,
// ack, and expiry behavior they would see in deployment.
type Memory struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string][]Entry
	groups  map[string]map[string]*groupState
	kv      map[string]kvEntry
	seq     int64
	closed  bool
}

type groupState struct {
	cursor  int             // next undelivered index in the stream
	pending map[string]bool // delivered but not yet acked
}

type kvEntry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

// NewMemory returns an empty in-memory bus.
func NewMemory() *Memory {
	m := &Memory{
		streams: make(map[string][]Entry),
		groups:  make(map[string]map[string]*groupState),
		kv:      make(map[string]kvEntry),
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Memory) Append(ctx context.Context, stream string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", fmt.Errorf("append %s: bus closed", stream)
	}
	m.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixMilli(), m.seq)
	cp := make([]byte, len(data))
	copy(cp, data)
	m.streams[stream] = append(m.streams[stream], Entry{ID: id, Data: cp})
	m.cond.Broadcast()
	return id, nil
}

func (m *Memory) EnsureGroup(ctx context.Context, stream, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream]; !ok {
		m.streams[stream] = nil
	}
	if m.groups[stream] == nil {
		m.groups[stream] = make(map[string]*groupState)
	}
	if _, ok := m.groups[stream][group]; !ok {
		m.groups[stream][group] = &groupState{pending: make(map[string]bool)}
	}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := time.Now().Add(block)

	m.mu.Lock()
	defer m.mu.Unlock()

	gs, err := m.groupLocked(stream, group)
	if err != nil {
		return nil, err
	}

	for {
		entries := m.streams[stream]
		if gs.cursor < len(entries) {
			end := len(entries)
			if count > 0 && gs.cursor+int(count) < end {
				end = gs.cursor + int(count)
			}
			out := make([]Entry, end-gs.cursor)
			copy(out, entries[gs.cursor:end])
			for _, e := range out {
				gs.pending[e.ID] = true
			}
			gs.cursor = end
			return out, nil
		}

		if block <= 0 || m.closed || ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		// Wake the waiter when the timeout or the context fires, since
		// Cond has no native deadline support.
		timer := time.AfterFunc(remaining, m.cond.Broadcast)
		stop := context.AfterFunc(ctx, m.cond.Broadcast)
		m.cond.Wait()
		timer.Stop()
		stop()
	}
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs, err := m.groupLocked(stream, group)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(gs.pending, id)
	}
	return nil
}

func (m *Memory) groupLocked(stream, group string) (*groupState, error) {
	gs := m.groups[stream][group]
	if gs == nil {
		return nil, fmt.Errorf("no group %s on stream %s", group, stream)
	}
	return gs, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := kvEntry{value: value}
	if ttl > 0 {
		e.expireAt = time.Now().Add(ttl)
	}
	m.kv[key] = e
	return nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.kv[key]
	if !ok || e.expired() {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*string, len(keys))
	for i, k := range keys {
		if e, ok := m.kv[k]; ok && !e.expired() {
			v := e.value
			out[i] = &v
		}
	}
	return out, nil
}

func (e kvEntry) expired() bool {
	return !e.expireAt.IsZero() && time.Now().After(e.expireAt)
}

func (m *Memory) Now(ctx context.Context) (int64, error) {
	return time.Now().UnixMilli(), nil
}

// StreamLen reports how many entries a stream holds. Test helper.
func (m *Memory) StreamLen(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams[stream])
}

// DeliveredLen reports how many entries a group has been handed so far.
// Test helper.
func (m *Memory) DeliveredLen(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gs := m.groups[stream][group]; gs != nil {
		return gs.cursor
	}
	return 0
}

// PendingLen reports how many delivered entries a group has not acked.
// Test helper.
func (m *Memory) PendingLen(stream, group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gs := m.groups[stream][group]; gs != nil {
		return len(gs.pending)
	}
	return 0
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cond.Broadcast()
	return nil
}
