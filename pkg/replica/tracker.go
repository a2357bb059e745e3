package replica

import (
	"context"
	"fmt"
	"time"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/resource"
)

// UpdateFunc computes the next replica list of one logical object.
//
// Returning an error aborts the update and nothing is persisted. Returning an
// empty list removes the object's replica records.
type UpdateFunc func(current []Replica) ([]Replica, error)

// MoveFunc computes the next replica lists of two logical objects, a source
// and a destination, from their current ones.
type MoveFunc func(from, to []Replica) (nextFrom, nextTo []Replica, err error)

// Store persists replica lists. UpdateReplicas must run fn and persist its
// result atomically: two concurrent updates of the same path must behave as
// if they ran one after the other. MoveReplicas gives the same guarantee
// over both of its paths at once.
type Store interface {
	Replicas(ctx context.Context, logicalPath string) ([]Replica, error)
	UpdateReplicas(ctx context.Context, logicalPath string, fn UpdateFunc) error
	MoveReplicas(ctx context.Context, fromPath, toPath string, fn MoveFunc) error
}

// Tracker drives replica transitions through a Store.
type Tracker struct {
	store   Store
	metrics metrics.ReplicaMetrics
	now     func() time.Time
}

// NewTracker creates a tracker. A nil metrics uses the no-op implementation.
func NewTracker(store Store, m metrics.ReplicaMetrics) *Tracker {
	if m == nil {
		m = metrics.NewNoopReplicaMetrics()
	}
	return &Tracker{store: store, metrics: m, now: time.Now}
}

// Replicas returns the replicas of logicalPath.
func (t *Tracker) Replicas(ctx context.Context, logicalPath string) ([]Replica, error) {
	return t.store.Replicas(ctx, logicalPath)
}

// Check validates access against replica number without changing state.
func (t *Tracker) Check(ctx context.Context, logicalPath string, number int, access Access) error {
	replicas, err := t.store.Replicas(ctx, logicalPath)
	if err != nil {
		return err
	}
	if err := CheckAccess(replicas, number, access); err != nil {
		t.record(err)
		return withPath(err, logicalPath)
	}
	return nil
}

// CheckHierarchy validates access against the replica stored under hier. An
// object without any replica on hier is only checked for a concurrent writer.
func (t *Tracker) CheckHierarchy(ctx context.Context, logicalPath, hier string, access Access) error {
	replicas, err := t.store.Replicas(ctx, logicalPath)
	if err != nil {
		return err
	}

	if r, ok := FindByHierarchy(replicas, hier); ok {
		err = CheckAccess(replicas, r.Number, access)
	} else if writer, busy := Intermediate(replicas); busy && access != AccessStat {
		err = lockedError(logicalPath, -1, access, writer)
	}
	if err != nil {
		t.record(err)
		return withPath(err, logicalPath)
	}
	return nil
}

// BeginWrite opens replica number for write.
//
// The loser of two concurrent calls observes the winner's intermediate
// replica inside its own update and fails with ErrReplicaLocked.
func (t *Tracker) BeginWrite(ctx context.Context, logicalPath string, number int) (Replica, error) {
	var target Replica
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		next, err := BeginWrite(current, number)
		if err != nil {
			return nil, err
		}
		target, _ = Find(next, number)
		return next, nil
	})
	if err != nil {
		t.record(err)
		return Replica{}, withPath(err, logicalPath)
	}

	t.metrics.RecordTransition("begin_write")
	logger.Debug("Replica %d of %s is intermediate", number, logicalPath)
	return target, nil
}

// BeginCreate registers a new replica on r.Hierarchy and opens it for write
// in the same update. An existing replica on that hierarchy is reopened
// instead.
func (t *Tracker) BeginCreate(ctx context.Context, logicalPath string, r Replica) (Replica, error) {
	r.LogicalPath = logicalPath

	var target Replica
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		number := -1
		if existing, ok := FindByHierarchy(current, r.Hierarchy); ok {
			number = existing.Number
		} else {
			if writer, busy := Intermediate(current); busy {
				return nil, lockedError(logicalPath, -1, AccessWrite, writer)
			}
			now := t.now()
			r.CreateTime, r.ModifyTime = now, now
			var added Replica
			var err error
			current, added, err = AddReplica(current, r)
			if err != nil {
				return nil, err
			}
			number = added.Number
		}

		next, err := BeginWrite(current, number)
		if err != nil {
			return nil, err
		}
		target, _ = Find(next, number)
		return next, nil
	})
	if err != nil {
		t.record(err)
		return Replica{}, withPath(err, logicalPath)
	}

	t.metrics.RecordTransition("begin_write")
	logger.Debug("Replica %d of %s created on %s", target.Number, logicalPath, target.Hierarchy)
	return target, nil
}

// FinishWrite closes the write of replica number.
func (t *Tracker) FinishWrite(ctx context.Context, logicalPath string, number int, outcome Outcome) (Replica, error) {
	if outcome.Time.IsZero() {
		outcome.Time = t.now()
	}

	var target Replica
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		next, err := FinishWrite(current, number, outcome)
		if err != nil {
			return nil, err
		}
		target, _ = Find(next, number)
		return next, nil
	})
	if err != nil {
		return Replica{}, withPath(err, logicalPath)
	}

	if outcome.OK {
		t.metrics.RecordTransition("finish_write")
	} else {
		t.metrics.RecordTransition("abort_write")
		logger.Warn("Write of replica %d of %s failed, replica marked stale", number, logicalPath)
	}
	return target, nil
}

// AddReplica registers an additional replica, typically produced by a
// replicate or stage operation.
func (t *Tracker) AddReplica(ctx context.Context, logicalPath string, r Replica) (Replica, error) {
	r.LogicalPath = logicalPath

	var added Replica
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		if writer, busy := Intermediate(current); busy {
			return nil, lockedError(logicalPath, -1, AccessWrite, writer)
		}
		now := t.now()
		r.CreateTime, r.ModifyTime = now, now
		next, a, err := AddReplica(current, r)
		if err != nil {
			return nil, err
		}
		added = a
		return next, nil
	})
	if err != nil {
		t.record(err)
		return Replica{}, withPath(err, logicalPath)
	}
	t.metrics.RecordTransition("add")
	return added, nil
}

// MarkGood sets a replica good, for example after it was synchronized from
// the authoritative copy.
func (t *Tracker) MarkGood(ctx context.Context, logicalPath string, number int, size int64, checksum string) error {
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		if err := CheckAccess(current, number, AccessWrite); err != nil {
			return nil, err
		}
		next := clone(current)
		i := indexOf(next, number)
		next[i].State = StateGood
		next[i].Size = size
		next[i].Checksum = checksum
		next[i].ModifyTime = t.now()
		return next, nil
	})
	if err != nil {
		t.record(err)
		return withPath(err, logicalPath)
	}
	t.metrics.RecordTransition("mark_good")
	return nil
}

// Remove deletes the record of replica number after its data was unlinked.
func (t *Tracker) Remove(ctx context.Context, logicalPath string, number int) error {
	err := t.store.UpdateReplicas(ctx, logicalPath, func(current []Replica) ([]Replica, error) {
		if err := CheckAccess(current, number, AccessUnlink); err != nil {
			return nil, err
		}
		return RemoveReplica(current, number)
	})
	if err != nil {
		t.record(err)
		return withPath(err, logicalPath)
	}
	t.metrics.RecordTransition("remove")
	return nil
}

// Rename moves every replica record of oldPath to newPath, rewriting their
// physical paths with rewrite when it is non-nil. Both lists change in one
// store update, so a failed rename leaves oldPath untouched.
func (t *Tracker) Rename(ctx context.Context, oldPath, newPath string, rewrite func(Replica) string) error {
	err := t.store.MoveReplicas(ctx, oldPath, newPath, func(from, to []Replica) ([]Replica, []Replica, error) {
		if len(from) == 0 {
			return nil, nil, &resource.ResourceError{Code: resource.ErrNotFound, Message: "no replicas to rename"}
		}
		if writer, busy := Intermediate(from); busy {
			return nil, nil, lockedError(oldPath, writer.Number, AccessRename, writer)
		}
		if len(to) != 0 {
			return nil, nil, &resource.ResourceError{
				Code:    resource.ErrInvalidArgument,
				Message: fmt.Sprintf("%s already has replicas", newPath),
				Path:    newPath,
			}
		}

		out := clone(from)
		for i := range out {
			if rewrite != nil {
				out[i].PhysicalPath = rewrite(out[i])
			}
			out[i].LogicalPath = newPath
		}
		return nil, out, nil
	})
	if err != nil {
		t.record(err)
		return withPath(err, oldPath)
	}
	return nil
}

// Authoritative returns the replica readers should use for logicalPath.
func (t *Tracker) Authoritative(ctx context.Context, logicalPath string) (Replica, error) {
	replicas, err := t.store.Replicas(ctx, logicalPath)
	if err != nil {
		return Replica{}, err
	}
	r, err := Authoritative(replicas)
	if err != nil {
		return Replica{}, withPath(err, logicalPath)
	}
	return r, nil
}

func (t *Tracker) record(err error) {
	if resource.IsCode(err, resource.ErrReplicaLocked) {
		t.metrics.RecordTransition("locked")
	}
}

// withPath fills in the logical path of resource errors. Store failures pass
// through untouched.
func withPath(err error, path string) error {
	if _, ok := resource.CodeOf(err); !ok {
		return err
	}
	return resource.Annotate(err, path, "", "")
}
