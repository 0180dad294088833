package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const defaultWarnDedupeMaxKeys = 256

// warnDeduper collapses repeated protocol warnings. The first occurrence of a key
// is emitted, repeats inside the window are counted, and the next emission after
// the window carries the suppressed count.
type warnDeduper struct {
	mu      sync.Mutex
	window  time.Duration
	maxKeys int
	now     func() time.Time
	entries map[uint64]warnDedupeEntry
}

type warnDedupeEntry struct {
	nextEmit   time.Time
	lastSeen   time.Time
	suppressed uint64
}

func newWarnDeduper(window time.Duration, maxKeys int) *warnDeduper {
	if window <= 0 {
		return nil
	}
	if maxKeys <= 0 {
		maxKeys = defaultWarnDedupeMaxKeys
	}
	return &warnDeduper{
		window:  window,
		maxKeys: maxKeys,
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[uint64]warnDedupeEntry, maxKeys),
	}
}

// Process returns the message to log for key, or false when it is suppressed.
// A nil deduper passes everything through.
func (d *warnDeduper) Process(key, msg string) (string, bool) {
	if d == nil {
		return msg, true
	}
	h := xxh3.HashString(key)
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, found := d.entries[h]
	if !found {
		d.evictOneIfNeededLocked()
		d.entries[h] = warnDedupeEntry{nextEmit: now.Add(d.window), lastSeen: now}
		return msg, true
	}
	entry.lastSeen = now
	if now.Before(entry.nextEmit) {
		entry.suppressed++
		d.entries[h] = entry
		return "", false
	}
	suppressed := entry.suppressed
	entry.suppressed = 0
	entry.nextEmit = now.Add(d.window)
	d.entries[h] = entry
	if suppressed > 0 {
		msg = fmt.Sprintf("%s (suppressed=%d over %s)", msg, suppressed, d.window)
	}
	return msg, true
}

func (d *warnDeduper) evictOneIfNeededLocked() {
	if len(d.entries) < d.maxKeys {
		return
	}
	var oldestKey uint64
	var oldestSeen time.Time
	haveOldest := false
	for key, entry := range d.entries {
		if !haveOldest || entry.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = entry.lastSeen
			haveOldest = true
		}
	}
	if haveOldest {
		delete(d.entries, oldestKey)
	}
}
