package recovery

import (
	"sort"
	"sync"

	"github.com/randalmurphal/eventkernel/pkg/eventkernel/eventlog"
)

// FailedPartitions is the set of partitions under recovery for one
// observer. Records handed out are copies.
type FailedPartitions struct {
	mu      sync.RWMutex
	records map[eventlog.SourceKey]*Record
}

// NewFailedPartitions creates a set seeded with records.
func NewFailedPartitions(records ...*Record) *FailedPartitions {
	fp := &FailedPartitions{records: make(map[eventlog.SourceKey]*Record, len(records))}
	for _, r := range records {
		fp.records[r.Partition] = r.Clone()
	}
	return fp
}

// Has reports whether partition is under recovery.
func (fp *FailedPartitions) Has(partition eventlog.SourceKey) bool {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	_, ok := fp.records[partition]
	return ok
}

// Get returns a copy of the record for partition.
func (fp *FailedPartitions) Get(partition eventlog.SourceKey) (*Record, bool) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	r, ok := fp.records[partition]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Update applies fn to the record for partition, creating it with create
// when absent, and returns a copy of the result.
func (fp *FailedPartitions) Update(partition eventlog.SourceKey, create func() *Record, fn func(*Record)) *Record {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	r, ok := fp.records[partition]
	if !ok {
		r = create()
		fp.records[partition] = r
	} else if fn != nil {
		fn(r)
	}
	return r.Clone()
}

// Modify applies fn to an existing record and returns a copy of the
// result. It reports false when partition is not under recovery.
func (fp *FailedPartitions) Modify(partition eventlog.SourceKey, fn func(*Record)) (*Record, bool) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	r, ok := fp.records[partition]
	if !ok {
		return nil, false
	}
	fn(r)
	return r.Clone(), true
}

// Remove stops tracking partition and reports whether it was tracked.
func (fp *FailedPartitions) Remove(partition eventlog.SourceKey) bool {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	_, ok := fp.records[partition]
	delete(fp.records, partition)
	return ok
}

// List returns copies of all records ordered by partition.
func (fp *FailedPartitions) List() []*Record {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	out := make([]*Record, 0, len(fp.records))
	for _, r := range fp.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Len returns the number of partitions under recovery.
func (fp *FailedPartitions) Len() int {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return len(fp.records)
}

// LowestPending returns the smallest NextSequenceNumberToProcess across all
// records, or Unavailable when the set is empty.
func (fp *FailedPartitions) LowestPending() eventlog.SequenceNumber {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	low := eventlog.Unavailable
	for _, r := range fp.records {
		if r.NextSequenceNumberToProcess < low {
			low = r.NextSequenceNumberToProcess
		}
	}
	return low
}
