package dispatch

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// DefaultMode is the permission bits of replicas created by an open with
// FlagCreate.
const DefaultMode = 0o640

// Create creates a replica of obj and opens it for writing.
//
// Without a hierarchy the resources vote on where the replica goes. obj is
// updated with the chosen hierarchy, replica number and physical path. The
// replica stays intermediate, and its siblings write locked, until Close.
func (d *Dispatcher) Create(ctx context.Context, sess *Session, obj *fco.DataObject, mode uint32) (fd int, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpCreate, &loc, time.Now(), &err)

	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return 0, err
	}
	if obj.Hier == "" {
		dec, err := d.resolver.ResolveHierarchy(ctx, obj, plugin.OpCreate, replicas)
		if err != nil {
			return 0, err
		}
		obj.Hier = dec.Hierarchy
	}

	req := &plugin.Request{
		Flags: plugin.FlagWriteOnly | plugin.FlagCreate | plugin.FlagTruncate,
		Mode:  mode,
	}

	if loc, err = d.locator.LocateHierarchy(ctx, obj.Hier); err != nil {
		return 0, err
	}
	if !loc.IsLocal() {
		res, err := d.forward(ctx, sess, loc.Host, obj, plugin.OpCreate, req)
		if err != nil {
			return 0, err
		}
		return sess.fds.Add(redirect.Entry{Host: loc.Host, Remote: res.Descriptor, Local: obj}), nil
	}

	if err := d.authorize(ctx, sess, obj.Logical, catalog.PermWrite); err != nil {
		return 0, resource.Annotate(err, "", obj.Hier, plugin.OpCreate)
	}
	leaf, err := d.resolve(ctx, obj, plugin.OpCreate)
	if err != nil {
		return 0, err
	}
	leafID, err := d.registry.HierToLeafID(obj.Hier)
	if err != nil {
		return 0, resource.Annotate(err, obj.Logical, obj.Hier, plugin.OpCreate)
	}

	_, existed := replica.FindByHierarchy(replicas, obj.Hier)
	physical := obj.Physical
	if physical == "" {
		physical = backend.PhysicalPath(leaf, obj)
	}

	repl, err := d.tracker.BeginCreate(ctx, obj.Logical, replica.Replica{
		Hierarchy:    obj.Hier,
		PhysicalPath: physical,
		ResourceID:   leafID,
	})
	if err != nil {
		return 0, resource.Annotate(err, "", obj.Hier, plugin.OpCreate)
	}
	obj.ReplNum, obj.RescID, obj.Physical = repl.Number, repl.ResourceID, repl.PhysicalPath

	res, err := d.local(ctx, &call{sess: sess, obj: obj, op: plugin.OpCreate, req: req, inst: leaf, checked: true})
	if err != nil {
		d.abortWrite(ctx, obj, !existed)
		return 0, err
	}

	logger.Debug("Created replica %d of %s on %s at %s", repl.Number, obj.Logical, obj.Hier, obj.Physical)
	return sess.fds.Add(redirect.Entry{Local: &openFile{obj: obj, inst: leaf, fd: res.Descriptor, write: true}}), nil
}

// abortWrite ends a write that never got a usable descriptor. A replica
// registered for it is dropped again when remove is set.
func (d *Dispatcher) abortWrite(ctx context.Context, obj *fco.DataObject, remove bool) {
	if _, err := d.tracker.FinishWrite(ctx, obj.Logical, obj.ReplNum, replica.Outcome{OK: false}); err != nil {
		logger.Error("Failed to release write of replica %d of %s: %v", obj.ReplNum, obj.Logical, err)
		return
	}
	if remove {
		if err := d.tracker.Remove(ctx, obj.Logical, obj.ReplNum); err != nil {
			logger.Error("Failed to drop replica %d of %s: %v", obj.ReplNum, obj.Logical, err)
		}
	}
}

// Open opens an existing object.
//
// Without a hierarchy the resources holding a replica vote on which one
// serves the open. Opening for write moves the chosen replica to
// intermediate; it fails with ErrReplicaLocked while another replica of the
// object is being written. A missing object is created when flags carry
// FlagCreate.
func (d *Dispatcher) Open(ctx context.Context, sess *Session, obj *fco.DataObject, flags int) (fd int, err error) {
	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return 0, err
	}
	if len(replicas) == 0 {
		if flags&plugin.FlagCreate != 0 {
			return d.Create(ctx, sess, obj, DefaultMode)
		}
		return 0, &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "object does not exist",
			Path:      obj.Logical,
			Operation: plugin.OpOpen,
		}
	}

	var loc redirect.Location
	defer d.observe(plugin.OpOpen, &loc, time.Now(), &err)

	write := plugin.IsWriteFlags(flags)
	if obj.Hier == "" {
		// Locked replicas vote zero.
		access := replica.AccessRead
		if write {
			access = replica.AccessWrite
		}
		if err := replica.CheckObjectAccess(replicas, access); err != nil {
			return 0, resource.Annotate(err, obj.Logical, "", plugin.OpOpen)
		}

		voteOp := plugin.OpOpen
		if write {
			voteOp = plugin.OpWrite
		}
		dec, err := d.resolver.ResolveHierarchy(ctx, obj, voteOp, replicas)
		if err != nil {
			return 0, err
		}
		if len(dec.Written) > 0 {
			if err := d.recordWritten(ctx, obj.Logical, dec.Written); err != nil {
				return 0, err
			}
			if replicas, err = d.tracker.Replicas(ctx, obj.Logical); err != nil {
				return 0, err
			}
		}
		obj.Hier = dec.Hierarchy
	}

	repl, ok := replica.FindByHierarchy(replicas, obj.Hier)
	if !ok {
		return 0, &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "no replica on this hierarchy",
			Path:      obj.Logical,
			Hierarchy: obj.Hier,
			Operation: plugin.OpOpen,
		}
	}
	obj.ReplNum, obj.RescID, obj.Physical, obj.Size = repl.Number, repl.ResourceID, repl.PhysicalPath, repl.Size

	req := &plugin.Request{Flags: flags}
	if loc, err = d.locator.LocateHierarchy(ctx, obj.Hier); err != nil {
		return 0, err
	}
	if !loc.IsLocal() {
		res, err := d.forward(ctx, sess, loc.Host, obj, plugin.OpOpen, req)
		if err != nil {
			return 0, err
		}
		return sess.fds.Add(redirect.Entry{Host: loc.Host, Remote: res.Descriptor, Local: obj}), nil
	}

	perm := catalog.PermRead
	if write {
		perm = catalog.PermWrite
	}
	if err := d.authorize(ctx, sess, obj.Logical, perm); err != nil {
		return 0, resource.Annotate(err, "", obj.Hier, plugin.OpOpen)
	}
	leaf, err := d.resolve(ctx, obj, plugin.OpOpen)
	if err != nil {
		return 0, err
	}

	if write {
		if _, err := d.tracker.BeginWrite(ctx, obj.Logical, repl.Number); err != nil {
			return 0, resource.Annotate(err, "", obj.Hier, plugin.OpOpen)
		}
	} else if err := d.tracker.Check(ctx, obj.Logical, repl.Number, replica.AccessRead); err != nil {
		return 0, resource.Annotate(err, "", obj.Hier, plugin.OpOpen)
	}

	res, err := d.local(ctx, &call{sess: sess, obj: obj, op: plugin.OpOpen, req: req, inst: leaf, checked: true})
	if err != nil {
		if write {
			d.abortWrite(ctx, obj, false)
		}
		return 0, err
	}
	return sess.fds.Add(redirect.Entry{Local: &openFile{obj: obj, inst: leaf, fd: res.Descriptor, write: write}}), nil
}

// file returns the entry of a file descriptor. The openFile is nil for a
// remote descriptor.
func (d *Dispatcher) file(sess *Session, fd int) (redirect.Entry, *openFile, error) {
	e, err := sess.fds.Get(fd)
	if err != nil {
		return redirect.Entry{}, nil, err
	}
	if e.IsRemote() {
		if _, ok := e.Local.(*fco.DataObject); !ok {
			return redirect.Entry{}, nil, resource.NewError(resource.ErrInvalidArgument, "descriptor %d is not a file", fd)
		}
		return e, nil, nil
	}
	of, ok := e.Local.(*openFile)
	if !ok {
		return redirect.Entry{}, nil, resource.NewError(resource.ErrInvalidArgument, "descriptor %d is not a file", fd)
	}
	return e, of, nil
}

func remoteLocation(e redirect.Entry) redirect.Location {
	if e.IsRemote() {
		return redirect.Location{Kind: redirect.Remote, Host: e.Host}
	}
	return redirect.Location{Kind: redirect.Local}
}

// onDescriptor runs a descriptor operation where the descriptor lives.
// req.Descriptor is translated for remote descriptors.
func (d *Dispatcher) onDescriptor(ctx context.Context, sess *Session, e redirect.Entry, of *openFile, op string, req *plugin.Request) (*plugin.Result, error) {
	if e.IsRemote() {
		req.Descriptor = e.Remote
		return d.forward(ctx, sess, e.Host, e.Local.(*fco.DataObject), op, req)
	}
	req.Descriptor = of.fd
	return d.local(ctx, &call{sess: sess, obj: of.obj, op: op, req: req, inst: of.inst, checked: true})
}

// Read reads up to length bytes.
func (d *Dispatcher) Read(ctx context.Context, sess *Session, fd, length int) (data []byte, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpRead, &loc, time.Now(), &err)

	e, of, err := d.file(sess, fd)
	if err != nil {
		return nil, err
	}
	loc = remoteLocation(e)

	res, err := d.onDescriptor(ctx, sess, e, of, plugin.OpRead, &plugin.Request{Length: length})
	if err != nil {
		return nil, err
	}
	d.metrics.RecordBytes("read", int64(len(res.Data)))
	return res.Data, nil
}

// Write writes data at the current offset.
func (d *Dispatcher) Write(ctx context.Context, sess *Session, fd int, data []byte) (n int, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpWrite, &loc, time.Now(), &err)

	e, of, err := d.file(sess, fd)
	if err != nil {
		return 0, err
	}
	loc = remoteLocation(e)
	if of != nil && !of.write {
		return 0, &resource.ResourceError{
			Code:      resource.ErrPermissionDenied,
			Message:   "descriptor is not open for writing",
			Path:      of.obj.Logical,
			Operation: plugin.OpWrite,
		}
	}

	res, err := d.onDescriptor(ctx, sess, e, of, plugin.OpWrite, &plugin.Request{Data: data})
	if err != nil {
		return 0, err
	}
	if of != nil {
		of.written += int64(res.N)
	}
	d.metrics.RecordBytes("write", int64(res.N))
	return res.N, nil
}

// Seek moves the offset of fd and returns the new offset.
func (d *Dispatcher) Seek(ctx context.Context, sess *Session, fd int, offset int64, whence int) (pos int64, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpLseek, &loc, time.Now(), &err)

	e, of, err := d.file(sess, fd)
	if err != nil {
		return 0, err
	}
	loc = remoteLocation(e)

	res, err := d.onDescriptor(ctx, sess, e, of, plugin.OpLseek, &plugin.Request{Offset: offset, Whence: whence})
	if err != nil {
		return 0, err
	}
	return res.Offset, nil
}

// Close closes fd.
//
// Closing a write settles the replica states: on success the written
// replica becomes good and its siblings stale, and every coordinating
// resource above the leaf is notified so it can synchronize its other
// children. A failed close marks the written replica stale and gives the
// siblings back their previous state.
func (d *Dispatcher) Close(ctx context.Context, sess *Session, fd int) (err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpClose, &loc, time.Now(), &err)

	e, of, err := d.file(sess, fd)
	if err != nil {
		return err
	}
	loc = remoteLocation(e)
	if _, err := sess.fds.Remove(fd); err != nil {
		return err
	}

	_, cerr := d.onDescriptor(ctx, sess, e, of, plugin.OpClose, &plugin.Request{})
	if of == nil || !of.write {
		return cerr
	}

	size := of.written
	if cerr == nil {
		size = d.size(ctx, of)
	}
	if _, err := d.tracker.FinishWrite(ctx, of.obj.Logical, of.obj.ReplNum, replica.Outcome{OK: cerr == nil, Size: size}); err != nil {
		if cerr != nil {
			return cerr
		}
		return resource.Annotate(err, "", of.obj.Hier, plugin.OpClose)
	}
	if cerr != nil {
		return cerr
	}

	of.obj.Size = size
	return d.notifyModified(ctx, of.obj)
}

// size returns the size of a just closed replica.
func (d *Dispatcher) size(ctx context.Context, of *openFile) int64 {
	if !of.inst.HasOperation(plugin.OpStat) {
		return of.written
	}
	res, err := of.inst.Invoke(ctx, plugin.OpStat, of.obj, &plugin.Request{})
	if err != nil || res.Stat == nil {
		logger.Debug("Cannot stat %s after close, using bytes written: %v", of.obj.Physical, err)
		return of.written
	}
	return res.Stat.Size
}

// target fills in the replica fields of obj. Without a hierarchy or replica
// number the authoritative replica is used.
func (d *Dispatcher) target(ctx context.Context, obj *fco.DataObject, op string) (replica.Replica, error) {
	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return replica.Replica{}, err
	}

	var (
		r     replica.Replica
		found bool
	)
	switch {
	case obj.ReplNum >= 0:
		r, found = replica.Find(replicas, obj.ReplNum)
	case obj.Hier != "":
		r, found = replica.FindByHierarchy(replicas, obj.Hier)
	default:
		r, err = replica.Authoritative(replicas)
		if err != nil && len(replicas) > 0 {
			r, err = replicas[0], nil
		}
		found = err == nil
	}
	if !found {
		return replica.Replica{}, &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "no such replica",
			Path:      obj.Logical,
			Hierarchy: obj.Hier,
			Operation: op,
		}
	}

	obj.Hier, obj.ReplNum, obj.RescID, obj.Physical, obj.Size = r.Hierarchy, r.Number, r.ResourceID, r.PhysicalPath, r.Size
	return r, nil
}

// Stat returns the physical attributes of a replica of obj.
func (d *Dispatcher) Stat(ctx context.Context, sess *Session, obj *fco.DataObject) (*plugin.Stat, error) {
	if _, err := d.target(ctx, obj, plugin.OpStat); err != nil {
		return nil, err
	}
	res, err := d.Invoke(ctx, sess, obj, plugin.OpStat, &plugin.Request{})
	if err != nil {
		return nil, err
	}
	return res.Stat, nil
}

// Truncate sets the size of a replica of obj. The other replicas become
// stale, as after any write.
func (d *Dispatcher) Truncate(ctx context.Context, sess *Session, obj *fco.DataObject, size int64) (err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpTruncate, &loc, time.Now(), &err)

	r, err := d.target(ctx, obj, plugin.OpTruncate)
	if err != nil {
		return err
	}
	req := &plugin.Request{Size: size}

	if loc, err = d.locator.LocateHierarchy(ctx, obj.Hier); err != nil {
		return err
	}
	if !loc.IsLocal() {
		_, err = d.forward(ctx, sess, loc.Host, obj, plugin.OpTruncate, req)
		return err
	}

	if err := d.authorize(ctx, sess, obj.Logical, catalog.PermWrite); err != nil {
		return resource.Annotate(err, "", obj.Hier, plugin.OpTruncate)
	}
	if _, err := d.tracker.BeginWrite(ctx, obj.Logical, r.Number); err != nil {
		return resource.Annotate(err, "", obj.Hier, plugin.OpTruncate)
	}

	_, terr := d.local(ctx, &call{sess: sess, obj: obj, op: plugin.OpTruncate, req: req, checked: true})
	if _, err := d.tracker.FinishWrite(ctx, obj.Logical, r.Number, replica.Outcome{OK: terr == nil, Size: size}); err != nil && terr == nil {
		terr = err
	}
	if terr != nil {
		return terr
	}
	obj.Size = size
	return d.notifyModified(ctx, obj)
}

// Unlink removes replicas of obj. A replica number or hierarchy on obj
// selects one replica, otherwise every replica is removed.
func (d *Dispatcher) Unlink(ctx context.Context, sess *Session, obj *fco.DataObject) error {
	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return err
	}

	var targets []replica.Replica
	switch {
	case obj.ReplNum >= 0:
		if r, ok := replica.Find(replicas, obj.ReplNum); ok {
			targets = append(targets, r)
		}
	case obj.Hier != "":
		if r, ok := replica.FindByHierarchy(replicas, obj.Hier); ok {
			targets = append(targets, r)
		}
	default:
		targets = replicas
	}
	if len(targets) == 0 {
		return &resource.ResourceError{
			Code:      resource.ErrNotFound,
			Message:   "no replica to unlink",
			Path:      obj.Logical,
			Hierarchy: obj.Hier,
			Operation: plugin.OpUnlink,
		}
	}

	for _, r := range targets {
		target := retarget(obj, r)
		if _, err := d.Invoke(ctx, sess, target, plugin.OpUnlink, &plugin.Request{}); err != nil {
			return err
		}
		if err := d.tracker.Remove(ctx, obj.Logical, r.Number); err != nil {
			return resource.Annotate(err, "", r.Hierarchy, plugin.OpUnlink)
		}
		logger.Debug("Unlinked replica %d of %s from %s", r.Number, obj.Logical, r.Hierarchy)
	}
	return nil
}

// Rename moves every replica of obj to newLogical. Physical paths that end
// with the logical path follow it, others keep their directory.
func (d *Dispatcher) Rename(ctx context.Context, sess *Session, obj *fco.DataObject, newLogical string) error {
	replicas, err := d.tracker.Replicas(ctx, obj.Logical)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return &resource.ResourceError{Code: resource.ErrNotFound, Message: "object does not exist", Path: obj.Logical, Operation: plugin.OpRename}
	}
	if err := d.authorize(ctx, sess, newLogical, catalog.PermWrite); err != nil {
		return resource.Annotate(err, "", "", plugin.OpRename)
	}
	if existing, err := d.tracker.Replicas(ctx, newLogical); err != nil {
		return err
	} else if len(existing) > 0 {
		return &resource.ResourceError{Code: resource.ErrInvalidArgument, Message: "destination exists", Path: newLogical, Operation: plugin.OpRename}
	}

	moved := make(map[int]string, len(replicas))
	var done []replica.Replica
	for _, r := range replicas {
		newPhysical := renamedPhysical(r.PhysicalPath, obj.Logical, newLogical)
		if _, err := d.Invoke(ctx, sess, retarget(obj, r), plugin.OpRename, &plugin.Request{NewPath: newPhysical}); err != nil {
			d.undoRename(ctx, sess, obj, done, moved)
			return err
		}
		moved[r.Number] = newPhysical
		done = append(done, r)
	}

	err = d.tracker.Rename(ctx, obj.Logical, newLogical, func(r replica.Replica) string {
		if p, ok := moved[r.Number]; ok {
			return p
		}
		return r.PhysicalPath
	})
	if err != nil {
		d.undoRename(ctx, sess, obj, done, moved)
		return err
	}
	obj.Logical = newLogical
	return nil
}

func (d *Dispatcher) undoRename(ctx context.Context, sess *Session, obj *fco.DataObject, done []replica.Replica, moved map[int]string) {
	for _, r := range done {
		back := retarget(obj, r)
		back.Physical = moved[r.Number]
		if _, err := d.Invoke(ctx, sess, back, plugin.OpRename, &plugin.Request{NewPath: r.PhysicalPath}); err != nil {
			logger.Error("Failed to move replica %d of %s back to %s: %v", r.Number, obj.Logical, r.PhysicalPath, err)
		}
	}
}

func renamedPhysical(physical, oldLogical, newLogical string) string {
	if strings.HasSuffix(physical, oldLogical) {
		return strings.TrimSuffix(physical, oldLogical) + newLogical
	}
	return path.Join(path.Dir(physical), path.Base(newLogical))
}

// retarget returns a copy of obj addressing replica r.
func retarget(obj *fco.DataObject, r replica.Replica) *fco.DataObject {
	out := *obj
	out.Hier, out.ReplNum, out.RescID, out.Physical, out.Size = r.Hierarchy, r.Number, r.ResourceID, r.PhysicalPath, r.Size
	return &out
}
