// Package activity tracks which tenant users have issued commands
// recently, for periodic reporting to the control plane over the optional
// ActiveUsers stream. Adapted from the Rust SwitchableMaps/UserActivityWindow
// design: two backing maps, one active and one draining, swapped by a CAS
// on an atomic index so a freeze never blocks a concurrent writer.
package activity

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbgateway/dbgateway/internal/tenant"
)

// Record is one observed command, deduplicated by (tenant key, user) within
// a window: only the most recent command code and timestamp for a given
// user of a given tenant survives to the next freeze.
type Record struct {
	Key     tenant.Key
	User    string
	ComCode byte
	ComTS   int64
}

func recordKey(key tenant.Key, user string) string {
	return key.String() + "\x00" + user
}

// Window is a double-buffered concurrent map of recent activity. Writers
// never block on a freeze in progress; Freeze returns the prior window's
// contents and clears it for reuse.
type Window struct {
	tables    [2]sync.Map // map[string]Record
	activeIdx atomic.Int32
	count     atomic.Uint64
}

// NewWindow creates an empty activity window.
func NewWindow() *Window {
	return &Window{}
}

// Record upserts the most recent command for (key, user). Safe for
// concurrent use by many session goroutines.
func (w *Window) Record(key tenant.Key, user string, comCode byte, ts int64) {
	idx := w.activeIdx.Load()
	w.tables[idx].Store(recordKey(key, user), Record{Key: key, User: user, ComCode: comCode, ComTS: ts})
	w.count.Add(1)
}

// Count returns the total number of Record calls observed since startup.
func (w *Window) Count() uint64 {
	return w.count.Load()
}

// ActiveLen returns the number of distinct users currently in the active
// table.
func (w *Window) ActiveLen() int {
	idx := w.activeIdx.Load()
	n := 0
	w.tables[idx].Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Freeze swaps the active table for the other (already-drained) one and
// returns every record the now-inactive table held, clearing it afterward.
// At most one freeze can be in flight at a time; a concurrent caller that
// loses the CAS gets nil.
func (w *Window) Freeze() []Record {
	cur := w.activeIdx.Load()
	next := (cur + 1) % 2
	if !w.activeIdx.CompareAndSwap(cur, next) {
		return nil
	}

	var frozen []Record
	w.tables[cur].Range(func(k, v any) bool {
		frozen = append(frozen, v.(Record))
		w.tables[cur].Delete(k)
		return true
	})
	return frozen
}
