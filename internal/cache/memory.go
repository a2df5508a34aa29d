package cache

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	val     []byte
	set     map[string]struct{}
	expires time.Time
	version uint64
}

// Memory is an in-process Store for tests and single-instance development.
// CompareAndSwap detects writes made while fn runs, like WATCH does.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	clock   uint64
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry), now: time.Now}
}

// SetClock overrides the time source used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) version(key string) uint64 {
	if e := m.live(key); e != nil {
		return e.version
	}
	return 0
}

func (m *Memory) put(key string, val []byte, ttl time.Duration) {
	m.clock++
	e := &memEntry{val: append([]byte(nil), val...), version: m.clock}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[key] = e
}

func (m *Memory) remove(key string) {
	if _, ok := m.entries[key]; ok {
		m.clock++
		delete(m.entries, key)
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set != nil {
		return nil, ErrMiss
	}
	return append([]byte(nil), e.val...), nil
}

func (m *Memory) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(key, val, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		m.remove(k)
	}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live(key) != nil {
		return false, nil
	}
	m.put(key, val, ttl)
	return true, nil
}

func (m *Memory) DeleteIfEquals(_ context.Context, key string, val []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || !bytes.Equal(e.val, val) {
		return false, nil
	}
	m.remove(key)
	return true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, ttl time.Duration, fn SwapFunc) error {
	m.mu.Lock()
	var cur []byte
	if e := m.live(key); e != nil {
		cur = append([]byte(nil), e.val...)
	}
	watched := m.version(key)
	m.mu.Unlock()

	next, err := fn(cur)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version(key) != watched {
		return ErrTxConflict
	}
	if next == nil {
		m.remove(key)
		return nil
	}
	m.put(key, next, ttl)
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	var expires time.Time
	if e := m.live(key); e != nil {
		parsed, err := strconv.ParseInt(string(e.val), 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
		expires = e.expires
	}
	n++
	m.put(key, []byte(strconv.FormatInt(n, 10)), 0)
	m.entries[key].expires = expires
	return n, nil
}

func (m *Memory) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		m.clock++
		e = &memEntry{set: make(map[string]struct{}), version: m.clock}
		m.entries[key] = e
	}
	for _, mem := range members {
		e.set[mem] = struct{}{}
	}
	return nil
}

func (m *Memory) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return nil
	}
	for _, mem := range members {
		delete(e.set, mem)
	}
	if len(e.set) == 0 {
		m.remove(key)
	}
	return nil
}

func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || e.set == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for mem := range e.set {
		out = append(out, mem)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }
