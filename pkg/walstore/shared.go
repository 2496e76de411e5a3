package walstore

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// shared is the state the writer publishes and readers observe.
//
// set is only mutated by the writer while holding mu for writing. The atomics
// are stored under the same lock so a reader that clones the set under a read
// lock sees matching values, while readers on the fast path may load them
// without locking.
type shared struct {
	mu  sync.RWMutex
	set *walfs.SegmentSet

	// latestWalNo is the wal number of the active segment.
	latestWalNo atomic.Uint64
	// latestIndex is the last committed log index, 0 when the log is empty.
	latestIndex atomic.Uint64
	// epoch changes whenever records are removed, forcing readers to resync.
	epoch atomic.Uint64

	metaMu sync.RWMutex
	meta   Metadata
}

func newShared(set *walfs.SegmentSet, meta Metadata) *shared {
	s := &shared{set: set, meta: meta}
	if active := set.Active(); active != nil {
		s.latestWalNo.Store(active.WalNo)
	}
	if _, last, ok := set.Bounds(); ok {
		s.latestIndex.Store(last)
	}
	return s
}

func (s *shared) metadata() Metadata {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	return s.meta.clone()
}

func (s *shared) setMetadata(m Metadata) {
	s.metaMu.Lock()
	s.meta = m.clone()
	s.metaMu.Unlock()
}

func (s *shared) vote() []byte {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if s.meta.Vote == nil {
		return nil
	}
	return bytes.Clone(s.meta.Vote)
}
