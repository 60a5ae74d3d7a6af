package window

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/xtxerr/windowstate/internal/keys"
)

// memStore is an in-memory RemoteStore used to observe routing.
type memStore[T any] struct {
	mu      sync.Mutex
	name    string
	data    map[string]T
	fail    atomic.Bool
	calls   []string
	maxCall atomic.Int64

	// block, when set, holds MaxSplitNum until it is closed.
	block chan struct{}
}

func newMemStore[T any](name string) *memStore[T] {
	return &memStore[T]{name: name, data: make(map[string]T)}
}

var errInjected = errors.New("injected failure")

func (m *memStore[T]) record(op string) error {
	m.mu.Lock()
	m.calls = append(m.calls, op)
	m.mu.Unlock()
	if m.fail.Load() {
		return errInjected
	}
	return nil
}

func (m *memStore[T]) callCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (m *memStore[T]) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memStore[T]) LoadSplitData(ctx context.Context, q SplitQuery) (Iterator[T], error) {
	if err := m.record("load_split_data"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry[T]
	for k, v := range m.data {
		p, w, err := keys.Default.Route(k)
		if err != nil || p != q.Partition || w != q.WindowInstanceID || !strings.HasPrefix(k, q.KeyPrefix) {
			continue
		}
		entries = append(entries, Entry[T]{Key: k, Value: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return NewSliceIterator(entries, int64(len(entries))), nil
}

func (m *memStore[T]) MultiPut(ctx context.Context, values map[string]T) error {
	if err := m.record("multi_put"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.data[k] = v
	}
	return nil
}

func (m *memStore[T]) MultiGet(ctx context.Context, ks []string) (map[string]T, error) {
	if err := m.record("multi_get"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]T)
	for _, k := range ks {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memStore[T]) Delete(ctx context.Context, windowInstanceID, partition string) error {
	if err := m.record("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if p, w, err := keys.Default.Route(k); err == nil && p == partition && w == windowInstanceID {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memStore[T]) RemoveKeys(ctx context.Context, ks []string) error {
	if err := m.record("remove_keys"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range ks {
		delete(m.data, k)
	}
	return nil
}

func (m *memStore[T]) ClearCache(ctx context.Context, partition string) error {
	return m.record("clear_cache")
}

func (m *memStore[T]) MaxSplitNum(ctx context.Context, wi WindowInstance) (int64, bool, error) {
	if err := m.record("max_split_num"); err != nil {
		return 0, false, err
	}
	m.maxCall.Add(1)
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return 0, false, ctx.Err()
		}
	}
	return 7, true, nil
}

func (m *memStore[T]) MultiPutStatement(ctx context.Context, values map[string]T) (Statement, error) {
	args := make([]any, 0, len(values))
	for k := range values {
		args = append(args, k)
	}
	return Statement{ID: uuid.New(), SQL: "INSERT", Args: args}, nil
}

func (m *memStore[T]) DeleteStatement(ctx context.Context, windowInstanceID, partition string) (Statement, error) {
	return Statement{ID: uuid.New(), SQL: "DELETE", Args: []any{windowInstanceID, partition}}, nil
}

// fakeBatch records deferred statements.
type fakeBatch struct {
	mu    sync.Mutex
	stmts []Statement
}

func (b *fakeBatch) Enqueue(ctx context.Context, stmt Statement) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stmts = append(b.stmts, stmt)
	return nil
}

func (b *fakeBatch) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.stmts)
}

// readiness is a mutable oracle.
type readiness struct {
	mu       sync.Mutex
	finished map[string]bool
	asked    atomic.Int64
}

func newReadiness() *readiness {
	return &readiness{finished: make(map[string]bool)}
}

func (r *readiness) set(partition, wid string, finished bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[partition+"|"+wid] = finished
}

func (r *readiness) IsFinished(partition, wid string) bool {
	r.asked.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[partition+"|"+wid]
}
