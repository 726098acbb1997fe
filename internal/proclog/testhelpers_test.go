package proclog_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/toko-webhooks/internal/proclog"
)

type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]proclog.Entry
	err     error
	delay   time.Duration
}

func newMemoryStore() *memoryStore {
	return &memoryStore{entries: make(map[int64]proclog.Entry)}
}

func (m *memoryStore) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(m.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memoryStore) hasSuccess(eventID string) bool {
	for _, e := range m.entries {
		if e.ProviderEventID == eventID && e.Status == proclog.StatusSuccess {
			return true
		}
	}
	return false
}

func (m *memoryStore) Insert(ctx context.Context, entry proclog.Entry) (int64, error) {
	if err := m.wait(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	if entry.Status == proclog.StatusSuccess && m.hasSuccess(entry.ProviderEventID) {
		return 0, proclog.ErrDuplicateSuccess
	}
	m.nextID++
	entry.ID = m.nextID
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	m.entries[entry.ID] = entry
	return entry.ID, nil
}

func (m *memoryStore) Finish(ctx context.Context, id int64, status proclog.Status, reason string, detail proclog.Detail) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	entry, ok := m.entries[id]
	if !ok || entry.Status != proclog.StatusStarted {
		return proclog.ErrNotFound
	}
	if status == proclog.StatusSuccess && m.hasSuccess(entry.ProviderEventID) {
		return proclog.ErrDuplicateSuccess
	}
	merged := proclog.Detail{}
	for k, v := range entry.Detail {
		merged[k] = v
	}
	for k, v := range detail {
		merged[k] = v
	}
	entry.Status = status
	entry.Reason = reason
	entry.Detail = merged
	entry.UpdatedAt = time.Now()
	m.entries[id] = entry
	return nil
}

func (m *memoryStore) ListByEvent(_ context.Context, providerEventID string) ([]proclog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]proclog.Entry, 0)
	for _, e := range m.entries {
		if e.ProviderEventID == providerEventID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) ListRecent(_ context.Context, filter proclog.Filter) ([]proclog.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]proclog.Entry, 0)
	for _, e := range m.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && e.EventType != filter.EventType {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memoryStore) ExpireStarted(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.entries {
		if e.Status == proclog.StatusStarted && e.CreatedAt.Before(olderThan) {
			e.Status = proclog.StatusExpired
			e.Reason = "abandoned"
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}

type countingMonitor struct {
	mu           sync.Mutex
	loggerErrors map[string]int
}

func newCountingMonitor() *countingMonitor {
	return &countingMonitor{loggerErrors: make(map[string]int)}
}

func (c *countingMonitor) Success(string)                {}
func (c *countingMonitor) Duplicate(string)              {}
func (c *countingMonitor) Failure(string, string)        {}
func (c *countingMonitor) Latency(string, time.Duration) {}
func (c *countingMonitor) Step(string, string)           {}

func (c *countingMonitor) LoggerError(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggerErrors[op]++
}

func (c *countingMonitor) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggerErrors[op]
}
