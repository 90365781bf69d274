package snapshot

import (
	"github.com/likizju/zumastor/blunder"
)

// CreateSnapshot implements SPEC_FULL.md §4.5 create_snapshot: fails if tag
// already present, else takes the lowest free bit and registers it.
func (st *Store) CreateSnapshot(tag uint32, now uint32) (bit uint8, err error) {
	if tag == OriginTag {
		return 0, blunder.Errorf(blunder.InvalidArgError, "snapshot: tag %d is reserved for the origin", tag)
	}
	for _, r := range st.SB.Records {
		if r.Tag == tag {
			return 0, blunder.Errorf(blunder.ExistsError, "snapshot: tag %d already exists", tag)
		}
	}
	if len(st.SB.Records) >= MaxSnapshots {
		return 0, blunder.Errorf(blunder.OutOfSpaceError, "snapshot: at most %d live snapshots", MaxSnapshots)
	}

	var i uint8
	for i = 0; i < MaxSnapshots; i++ {
		if st.SB.Snapmask&(uint64(1)<<i) == 0 {
			break
		}
	}

	st.SB.Records = append(st.SB.Records, Record{Tag: tag, Bit: i, Priority: 0, Ctime: now})
	st.SB.Snapmask |= uint64(1) << i
	log.Infof("create_snapshot(tag=%d) -> bit %d", tag, i)
	return i, nil
}

// findRecord returns the index of the record for tag, or -1.
func (st *Store) findRecord(tag uint32) int {
	for i, r := range st.SB.Records {
		if r.Tag == tag {
			return i
		}
	}
	return -1
}

// DeleteSnapshot implements delete_snapshot: removes the record, clears its
// bit from snapmask, and walks the whole tree clearing it from every
// exception's share.
func (st *Store) DeleteSnapshot(tag uint32) error {
	idx := st.findRecord(tag)
	if idx < 0 {
		return blunder.Errorf(blunder.NotFoundError, "snapshot: tag %d not found", tag)
	}
	bit := st.SB.Records[idx].Bit

	if err := st.Tree.DeleteTreeRange(uint64(1) << bit); err != nil {
		return err
	}

	st.SB.Records = append(st.SB.Records[:idx], st.SB.Records[idx+1:]...)
	st.SB.Snapmask &^= uint64(1) << bit
	log.Infof("delete_snapshot(tag=%d, bit=%d)", tag, bit)
	return nil
}

// SetPriority implements PRIORITY(tag, prio).
func (st *Store) SetPriority(tag uint32, priority int8) error {
	idx := st.findRecord(tag)
	if idx < 0 {
		return blunder.Errorf(blunder.NotFoundError, "snapshot: tag %d not found", tag)
	}
	st.SB.Records[idx].Priority = priority
	return nil
}

// AdjustUsecount implements USECOUNT(tag, delta), refusing to underflow.
func (st *Store) AdjustUsecount(tag uint32, delta int32) error {
	idx := st.findRecord(tag)
	if idx < 0 {
		return blunder.Errorf(blunder.NotFoundError, "snapshot: tag %d not found", tag)
	}
	cur := int64(st.SB.Records[idx].Usecount) + int64(delta)
	if cur < 0 {
		return blunder.Errorf(blunder.UsecountError, "snapshot: usecount underflow for tag %d", tag)
	}
	st.SB.Records[idx].Usecount = uint32(cur)
	return nil
}

// List returns a snapshot of the current records, safe for the caller to
// range over without holding onto Store internals.
func (st *Store) List() []Record {
	out := make([]Record, len(st.SB.Records))
	copy(out, st.SB.Records)
	return out
}

// Snapmask is the union of 1<<bit across every live snapshot.
func (st *Store) Snapmask() uint64 { return st.SB.Snapmask }

// BitForTag resolves a client-visible tag to its bit index.
func (st *Store) BitForTag(tag uint32) (bit uint8, ok bool) {
	idx := st.findRecord(tag)
	if idx < 0 {
		return 0, false
	}
	return st.SB.Records[idx].Bit, true
}

// evictForPressure is wired as the bitmap.Allocator's EvictFunc: pick the
// live snapshot with usecount 0 and the lowest priority, and delete it.
// SPEC_FULL.md §4.5.
func (st *Store) evictForPressure() (evicted bool, err error) {
	best := -1
	for i, r := range st.SB.Records {
		if r.Usecount != 0 {
			continue
		}
		if best < 0 || r.Priority < st.SB.Records[best].Priority {
			best = i
		}
	}
	if best < 0 {
		return false, nil
	}
	victim := st.SB.Records[best]
	log.Warnf("pressure eviction: deleting snapshot tag=%d (priority=%d)", victim.Tag, victim.Priority)
	if err := st.DeleteSnapshot(victim.Tag); err != nil {
		return false, err
	}
	return true, nil
}
