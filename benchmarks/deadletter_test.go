package benchmarks

import (
	"path/filepath"
	"testing"

	"github.com/randalmurphal/eventflow/pkg/eventflow/deadletter"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// BenchmarkMemoryStore_Put measures parking an event in memory.
func BenchmarkMemoryStore_Put(b *testing.B) {
	store := deadletter.NewMemoryStore()
	entry := failedEntry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Put(entry)
	}
}

// BenchmarkSQLiteStore_Put measures parking an event in SQLite.
func BenchmarkSQLiteStore_Put(b *testing.B) {
	store, err := deadletter.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	entry := failedEntry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.Put(entry)
	}
}

// BenchmarkSQLiteStore_List measures reading back 100 parked events.
func BenchmarkSQLiteStore_List(b *testing.B) {
	store, err := deadletter.NewSQLiteStore(filepath.Join(b.TempDir(), "bench.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer store.Close()
	for i := 0; i < 100; i++ {
		_, _ = store.Put(failedEntry())
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = store.List(100)
	}
}

func failedEntry() deadletter.Entry {
	evt := event.New("order.created", map[string]any{
		"orderId": "o-123",
		"items":   []any{"a", "b", "c"},
		"total":   42.5,
	})
	return deadletter.Entry{
		RouteID:  "route-1",
		Target:   "http://billing/events",
		Event:    evt,
		Attempts: 3,
		Error:    "503 service unavailable",
	}
}
