package dtx

import "sort"

// DistributedSnapshot is a point in time view of the in-progress distributed transactions.
// It is never mutated after it has been built.
type DistributedSnapshot struct {
	// DistribTransactionTimeStamp is the epoch the snapshot was taken in.
	DistribTransactionTimeStamp DistributedTransactionTimeStamp

	// XminAllDistributedSnapshots is the lowest xmin of every snapshot held in the cluster.
	XminAllDistributedSnapshots DistributedTransactionID

	// DistribSnapshotID orders snapshots within an epoch.
	DistribSnapshotID uint32

	// Xmin is the lowest in-progress gxid. Everything below it is finished.
	Xmin DistributedTransactionID

	// Xmax is the first gxid not yet assigned. Everything at or above it is invisible.
	Xmax DistributedTransactionID

	// InProgress is the sorted list of gxids in [Xmin, Xmax) that were running.
	InProgress []DistributedTransactionID
}

// Count returns the number of in-progress gxids.
func (s *DistributedSnapshot) Count() int {
	return len(s.InProgress)
}

// IsInProgress reports whether gxid was running from the perspective of the snapshot.
func (s *DistributedSnapshot) IsInProgress(gxid DistributedTransactionID) bool {
	if gxid < s.Xmin {
		return false
	}
	if gxid >= s.Xmax {
		return true
	}
	i := sort.Search(len(s.InProgress), func(i int) bool { return s.InProgress[i] >= gxid })
	return i < len(s.InProgress) && s.InProgress[i] == gxid
}

// Equal reports whether both snapshots carry the same content.
func (s *DistributedSnapshot) Equal(o *DistributedSnapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.DistribTransactionTimeStamp != o.DistribTransactionTimeStamp ||
		s.XminAllDistributedSnapshots != o.XminAllDistributedSnapshots ||
		s.DistribSnapshotID != o.DistribSnapshotID ||
		s.Xmin != o.Xmin || s.Xmax != o.Xmax || len(s.InProgress) != len(o.InProgress) {
		return false
	}
	for i := range s.InProgress {
		if s.InProgress[i] != o.InProgress[i] {
			return false
		}
	}
	return true
}
