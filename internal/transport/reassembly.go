package transport

import (
	"sync"
	"time"
)

// reassemblyTimeout bounds how long a partially-received logical message
// is kept before being discarded.
const reassemblyTimeout = 30 * time.Second

// retransmitWait is how long a receiver waits, after seeing at least one
// chunk of a message, before asking for the chunks still missing.
const retransmitWait = 300 * time.Millisecond

// retransmitRetryInterval re-issues a RetransmitRequest for an entry that
// is still incomplete after a previous request went unanswered.
const retransmitRetryInterval = 500 * time.Millisecond

type reassemblyEntry struct {
	sourceAddr       string
	expectedTotal    uint32
	received         map[uint32][]byte
	firstSeenAt      time.Time
	lastRetransmitAt time.Time
}

func (e *reassemblyEntry) complete() bool {
	return uint32(len(e.received)) == e.expectedTotal
}

func (e *reassemblyEntry) missingIndices() []uint32 {
	missing := make([]uint32, 0, e.expectedTotal)
	for i := uint32(0); i < e.expectedTotal; i++ {
		if _, ok := e.received[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func (e *reassemblyEntry) assemble() []byte {
	out := make([]byte, 0)
	for i := uint32(0); i < e.expectedTotal; i++ {
		out = append(out, e.received[i]...)
	}
	return out
}

// reassemblyTable holds in-progress multi-chunk reconstructions keyed by
// chunk_id, guarded by a single mutex (plain mutex, not RWLock,
// since entries are read-then-written on almost every access).
type reassemblyTable struct {
	mu      sync.Mutex
	entries map[string]*reassemblyEntry
}

func newReassemblyTable() *reassemblyTable {
	return &reassemblyTable{entries: make(map[string]*reassemblyEntry)}
}

// insert adds a chunk, returning the assembled payload and true once every
// index has arrived. The entry is removed from the table in that case.
func (t *reassemblyTable) insert(chunkID, sourceAddr string, index, total uint32, body []byte) (payload []byte, done bool) {
	t.mu.Lock()
	entry, ok := t.entries[chunkID]
	if !ok {
		entry = &reassemblyEntry{
			sourceAddr:    sourceAddr,
			expectedTotal: total,
			received:      make(map[uint32][]byte, total),
			firstSeenAt:   time.Now(),
		}
		t.entries[chunkID] = entry
	}
	entry.received[index] = body
	if entry.complete() {
		delete(t.entries, chunkID)
		t.mu.Unlock()
		return entry.assemble(), true
	}
	t.mu.Unlock()
	return nil, false
}

// retransmitDue is one chunk_id whose missing indices should be requested
// from its original sender.
type retransmitDue struct {
	sourceAddr string
	missing    []uint32
}

// pendingRetransmits returns chunk ids that have been waiting past
// retransmitWait (or retransmitRetryInterval since their last request)
// along with their missing indices and source address, and stamps them as
// just-requested.
func (t *reassemblyTable) pendingRetransmits(now time.Time) map[string]retransmitDue {
	t.mu.Lock()
	defer t.mu.Unlock()

	due := make(map[string]retransmitDue)
	for id, entry := range t.entries {
		sinceFirst := now.Sub(entry.firstSeenAt)
		sinceLast := now.Sub(entry.lastRetransmitAt)
		ready := sinceFirst >= retransmitWait && (entry.lastRetransmitAt.IsZero() || sinceLast >= retransmitRetryInterval)
		if ready {
			due[id] = retransmitDue{sourceAddr: entry.sourceAddr, missing: entry.missingIndices()}
			entry.lastRetransmitAt = now
		}
	}
	return due
}

// evictExpired drops entries older than reassemblyTimeout. Returns the
// count evicted, for logging/metrics.
func (t *reassemblyTable) evictExpired(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, entry := range t.entries {
		if now.Sub(entry.firstSeenAt) > reassemblyTimeout {
			delete(t.entries, id)
			evicted++
		}
	}
	return evicted
}
