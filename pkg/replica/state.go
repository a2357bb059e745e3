// Package replica implements the replica consistency state machine.
//
// Every logical object has one or more physical replicas. Opening a replica
// for write moves it to intermediate and write-locks all of its siblings.
// Closing the write successfully makes the written replica good and every
// write-locked sibling stale. A failed close marks the written replica stale
// and restores the siblings to the state they had before the write.
//
// At most one replica of an object is intermediate at any time. While one is,
// read, write, rename and unlink against any replica of that object fail with
// ErrReplicaLocked.
//
// The functions in this file are pure: they take the current replica list and
// return the next one. Tracker applies them through the catalog so that each
// transition is a single atomic read-modify-write.
package replica

import (
	"fmt"
	"sort"
	"time"

	"github.com/marmos91/stratafs/pkg/resource"
)

// State is the consistency state of one physical replica.
type State string

const (
	StateStale        State = "stale"
	StateGood         State = "good"
	StateIntermediate State = "intermediate"
	StateWriteLocked  State = "write_locked"
)

// Access is the kind of operation requested against a replica.
type Access int

const (
	AccessStat Access = iota
	AccessRead
	AccessWrite
	AccessRename
	AccessUnlink
)

func (a Access) String() string {
	switch a {
	case AccessStat:
		return "stat"
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessRename:
		return "rename"
	case AccessUnlink:
		return "unlink"
	}
	return fmt.Sprintf("Access(%d)", int(a))
}

// Replica is one physical instantiation of a logical object.
type Replica struct {
	Number       int    `json:"number"`
	LogicalPath  string `json:"logical_path"`
	PhysicalPath string `json:"physical_path"`
	ResourceID   int64  `json:"resource_id"`
	Hierarchy    string `json:"hierarchy"`
	Size         int64  `json:"size"`
	Checksum     string `json:"checksum,omitempty"`
	State        State  `json:"state"`

	// LockedFrom is the state the replica had before the current write began.
	// It is set only while a write is in progress.
	LockedFrom State `json:"locked_from,omitempty"`

	CreateTime time.Time `json:"create_time,omitzero"`
	ModifyTime time.Time `json:"modify_time,omitzero"`
}

// Locked reports whether the replica is part of an in-progress write.
func (r Replica) Locked() bool {
	return r.State == StateIntermediate || r.State == StateWriteLocked
}

// Outcome describes how a write finished.
type Outcome struct {
	// OK is false when the write failed or was abandoned
	OK bool

	Size     int64
	Checksum string
	Time     time.Time
}

func clone(replicas []Replica) []Replica {
	return append([]Replica(nil), replicas...)
}

func indexOf(replicas []Replica, number int) int {
	for i := range replicas {
		if replicas[i].Number == number {
			return i
		}
	}
	return -1
}

// Find returns the replica with the given number.
func Find(replicas []Replica, number int) (Replica, bool) {
	if i := indexOf(replicas, number); i >= 0 {
		return replicas[i], true
	}
	return Replica{}, false
}

// FindByHierarchy returns the replica stored under hier.
func FindByHierarchy(replicas []Replica, hier string) (Replica, bool) {
	for _, r := range replicas {
		if r.Hierarchy == hier {
			return r, true
		}
	}
	return Replica{}, false
}

// Intermediate returns the replica currently being written, if any.
func Intermediate(replicas []Replica) (Replica, bool) {
	for _, r := range replicas {
		if r.State == StateIntermediate {
			return r, true
		}
	}
	return Replica{}, false
}

func lockedError(path string, number int, access Access, writer Replica) error {
	return &resource.ResourceError{
		Code: resource.ErrReplicaLocked,
		Message: fmt.Sprintf("replica %d cannot be opened for %s: replica %d is being written",
			number, access, writer.Number),
		Path:      path,
		Hierarchy: writer.Hierarchy,
	}
}

// CheckAccess reports whether access is allowed against replica number.
//
// Stat is always allowed. Every other access fails with ErrReplicaLocked while
// any replica of the object is intermediate.
func CheckAccess(replicas []Replica, number int, access Access) error {
	i := indexOf(replicas, number)
	if i < 0 {
		return &resource.ResourceError{
			Code:    resource.ErrNotFound,
			Message: fmt.Sprintf("replica %d does not exist", number),
		}
	}
	if access == AccessStat {
		return nil
	}

	if writer, ok := Intermediate(replicas); ok {
		return lockedError(replicas[i].LogicalPath, number, access, writer)
	}
	if replicas[i].State == StateWriteLocked {
		// Orphaned lock without a writer: still refuse until cleared.
		return &resource.ResourceError{
			Code:      resource.ErrReplicaLocked,
			Message:   fmt.Sprintf("replica %d is write locked", number),
			Path:      replicas[i].LogicalPath,
			Hierarchy: replicas[i].Hierarchy,
		}
	}
	return nil
}

// CheckObjectAccess is CheckAccess for an access that has not picked a
// replica yet. It fails while any replica of the object is locked.
func CheckObjectAccess(replicas []Replica, access Access) error {
	if access == AccessStat {
		return nil
	}
	for _, r := range replicas {
		if r.Locked() {
			return CheckAccess(replicas, r.Number, access)
		}
	}
	return nil
}

// BeginWrite moves replica number to intermediate and write-locks every
// sibling.
func BeginWrite(replicas []Replica, number int) ([]Replica, error) {
	if err := CheckAccess(replicas, number, AccessWrite); err != nil {
		return nil, err
	}

	next := clone(replicas)
	for i := range next {
		next[i].LockedFrom = next[i].State
		if next[i].Number == number {
			next[i].State = StateIntermediate
		} else {
			next[i].State = StateWriteLocked
		}
	}
	return next, nil
}

// FinishWrite completes the write of replica number.
//
// On success the replica becomes good and write-locked siblings become stale.
// On failure the replica becomes stale and siblings get back their prior state.
func FinishWrite(replicas []Replica, number int, outcome Outcome) ([]Replica, error) {
	i := indexOf(replicas, number)
	if i < 0 {
		return nil, &resource.ResourceError{
			Code:    resource.ErrNotFound,
			Message: fmt.Sprintf("replica %d does not exist", number),
		}
	}
	if replicas[i].State != StateIntermediate {
		return nil, &resource.ResourceError{
			Code:      resource.ErrInvalidArgument,
			Message:   fmt.Sprintf("replica %d is %s, not being written", number, replicas[i].State),
			Path:      replicas[i].LogicalPath,
			Hierarchy: replicas[i].Hierarchy,
		}
	}

	if outcome.Time.IsZero() {
		outcome.Time = time.Now()
	}

	next := clone(replicas)
	for j := range next {
		r := &next[j]
		switch {
		case r.Number == number && outcome.OK:
			r.State = StateGood
			r.Size = outcome.Size
			r.Checksum = outcome.Checksum
			r.ModifyTime = outcome.Time
		case r.Number == number:
			r.State = StateStale
		case r.State != StateWriteLocked:
			// Added after the write began; leave alone.
		case outcome.OK:
			r.State = StateStale
		default:
			r.State = r.LockedFrom
			if r.State == "" {
				r.State = StateStale
			}
		}
		r.LockedFrom = ""
	}
	return next, nil
}

// AddReplica appends r as a new replica and returns the list and the number
// assigned to it. Replica numbers are never reused within one list.
func AddReplica(replicas []Replica, r Replica) ([]Replica, Replica, error) {
	if r.Hierarchy != "" {
		if existing, ok := FindByHierarchy(replicas, r.Hierarchy); ok {
			return nil, Replica{}, &resource.ResourceError{
				Code:      resource.ErrInvalidArgument,
				Message:   fmt.Sprintf("a replica already exists on this hierarchy (number %d)", existing.Number),
				Path:      r.LogicalPath,
				Hierarchy: r.Hierarchy,
			}
		}
	}

	number := 0
	for _, existing := range replicas {
		if existing.Number >= number {
			number = existing.Number + 1
		}
	}
	r.Number = number
	if r.State == "" {
		r.State = StateStale
	}
	now := time.Now()
	if r.CreateTime.IsZero() {
		r.CreateTime = now
	}
	if r.ModifyTime.IsZero() {
		r.ModifyTime = now
	}
	return append(clone(replicas), r), r, nil
}

// RemoveReplica drops replica number.
func RemoveReplica(replicas []Replica, number int) ([]Replica, error) {
	i := indexOf(replicas, number)
	if i < 0 {
		return nil, &resource.ResourceError{
			Code:    resource.ErrNotFound,
			Message: fmt.Sprintf("replica %d does not exist", number),
		}
	}
	next := clone(replicas[:i])
	return append(next, replicas[i+1:]...), nil
}

// Authoritative returns the replica readers should use: the most recently
// modified good replica, lowest number first on ties.
func Authoritative(replicas []Replica) (Replica, error) {
	var good []Replica
	for _, r := range replicas {
		if r.State == StateGood {
			good = append(good, r)
		}
	}
	if len(good) == 0 {
		return Replica{}, &resource.ResourceError{
			Code:    resource.ErrNotFound,
			Message: "no good replica exists",
		}
	}

	sort.SliceStable(good, func(a, b int) bool {
		if !good[a].ModifyTime.Equal(good[b].ModifyTime) {
			return good[a].ModifyTime.After(good[b].ModifyTime)
		}
		return good[a].Number < good[b].Number
	})
	return good[0], nil
}
