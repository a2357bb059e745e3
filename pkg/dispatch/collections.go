package dispatch

import (
	"context"
	"time"

	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/resource"
)

// placeCollection picks a hierarchy for a collection that names none. The
// vote runs as for a new object, so it lands on the default resource.
func (d *Dispatcher) placeCollection(ctx context.Context, coll *fco.Collection) error {
	if coll.Hier != "" {
		return nil
	}
	dec, err := d.resolver.ResolveHierarchy(ctx, coll, plugin.OpCreate, nil)
	if err != nil {
		return err
	}
	coll.Hier = dec.Hierarchy
	return nil
}

// Mkdir creates a collection.
func (d *Dispatcher) Mkdir(ctx context.Context, sess *Session, coll *fco.Collection, mode uint32) error {
	if err := d.placeCollection(ctx, coll); err != nil {
		return err
	}
	_, err := d.Invoke(ctx, sess, coll, plugin.OpMkdir, &plugin.Request{Mode: mode})
	return err
}

// Rmdir removes an empty collection.
func (d *Dispatcher) Rmdir(ctx context.Context, sess *Session, coll *fco.Collection) error {
	if err := d.placeCollection(ctx, coll); err != nil {
		return err
	}
	_, err := d.Invoke(ctx, sess, coll, plugin.OpRmdir, &plugin.Request{})
	return err
}

// OpenDir opens a collection for listing.
func (d *Dispatcher) OpenDir(ctx context.Context, sess *Session, coll *fco.Collection) (fd int, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpOpendir, &loc, time.Now(), &err)

	if err := d.placeCollection(ctx, coll); err != nil {
		return 0, err
	}
	if loc, err = d.locator.LocateHierarchy(ctx, coll.Hier); err != nil {
		return 0, err
	}
	if !loc.IsLocal() {
		res, err := d.forward(ctx, sess, loc.Host, coll, plugin.OpOpendir, &plugin.Request{})
		if err != nil {
			return 0, err
		}
		return sess.fds.Add(redirect.Entry{Host: loc.Host, Remote: res.Descriptor, Local: coll}), nil
	}

	inst, err := d.resolve(ctx, coll, plugin.OpOpendir)
	if err != nil {
		return 0, err
	}
	res, err := d.local(ctx, &call{sess: sess, obj: coll, op: plugin.OpOpendir, req: &plugin.Request{}, inst: inst})
	if err != nil {
		return 0, err
	}
	return sess.fds.Add(redirect.Entry{Local: &openDir{coll: coll, inst: inst, fd: res.Descriptor}}), nil
}

func (d *Dispatcher) dir(sess *Session, fd int) (redirect.Entry, *openDir, error) {
	e, err := sess.fds.Get(fd)
	if err != nil {
		return redirect.Entry{}, nil, err
	}
	if e.IsRemote() {
		if _, ok := e.Local.(*fco.Collection); ok {
			return e, nil, nil
		}
	} else if od, ok := e.Local.(*openDir); ok {
		return e, od, nil
	}
	return redirect.Entry{}, nil, resource.NewError(resource.ErrInvalidArgument, "descriptor %d is not a collection", fd)
}

func (d *Dispatcher) onDir(ctx context.Context, sess *Session, e redirect.Entry, od *openDir, op string, req *plugin.Request) (*plugin.Result, error) {
	if e.IsRemote() {
		req.Descriptor = e.Remote
		return d.forward(ctx, sess, e.Host, e.Local.(*fco.Collection), op, req)
	}
	req.Descriptor = od.fd
	return d.local(ctx, &call{sess: sess, obj: od.coll, op: op, req: req, inst: od.inst, checked: true})
}

// ReadDir returns up to max entries of an open collection, every remaining
// entry when max is zero. An empty result means the listing is exhausted.
func (d *Dispatcher) ReadDir(ctx context.Context, sess *Session, fd, max int) (entries []plugin.DirEntry, err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpReaddir, &loc, time.Now(), &err)

	e, od, err := d.dir(sess, fd)
	if err != nil {
		return nil, err
	}
	loc = remoteLocation(e)

	res, err := d.onDir(ctx, sess, e, od, plugin.OpReaddir, &plugin.Request{Length: max})
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// CloseDir closes a collection descriptor.
func (d *Dispatcher) CloseDir(ctx context.Context, sess *Session, fd int) (err error) {
	var loc redirect.Location
	defer d.observe(plugin.OpClosedir, &loc, time.Now(), &err)

	e, od, err := d.dir(sess, fd)
	if err != nil {
		return err
	}
	loc = remoteLocation(e)
	if _, err := sess.fds.Remove(fd); err != nil {
		return err
	}

	_, err = d.onDir(ctx, sess, e, od, plugin.OpClosedir, &plugin.Request{})
	return err
}
