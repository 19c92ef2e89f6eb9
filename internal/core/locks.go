package core

import (
	"sort"
	"sync"

	"cocoaquota/pkg/domain"
)

// lotLocks serializes reconciliation of the same (lot, exporter) pair inside
// one process. Entries are reference counted and dropped when idle.
type lotLocks struct {
	mu    sync.Mutex
	locks map[domain.LotKey]*lotLock
}

type lotLock struct {
	mu   sync.Mutex
	refs int
}

func newLotLocks() *lotLocks {
	return &lotLocks{locks: make(map[domain.LotKey]*lotLock)}
}

// acquire locks every key in a stable order and returns the release func.
func (l *lotLocks) acquire(keys []domain.LotKey) func() {
	sorted := append([]domain.LotKey(nil), keys...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].ExportLot != sorted[j].ExportLot {
			return sorted[i].ExportLot < sorted[j].ExportLot
		}
		return sorted[i].Exporter < sorted[j].Exporter
	})
	held := make([]*lotLock, 0, len(sorted))
	for _, key := range sorted {
		l.mu.Lock()
		lk, ok := l.locks[key]
		if !ok {
			lk = &lotLock{}
			l.locks[key] = lk
		}
		lk.refs++
		l.mu.Unlock()
		lk.mu.Lock()
		held = append(held, lk)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, sorted[i])
			}
			l.mu.Unlock()
		}
	}
}

func (l *lotLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
