// Package dispatch runs resource operations on behalf of client sessions.
//
// Every operation follows the same path:
//  1. the redirect layer decides whether the object lives here or on a peer
//  2. remote operations are forwarded unchanged, only descriptors are
//     translated
//  3. local operations resolve the serving plugin through the object
//  4. permissions and replica state are checked, and replica state updated
//     for state-changing operations
//  5. the operation runs between the rule engine's Before and After hooks
//  6. plugin failures are annotated with the physical path, hierarchy and
//     operation but keep their code
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/metrics"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Registry is the view of the resource registry the dispatcher needs.
type Registry interface {
	redirect.Registry
	HierToLeafID(hier string) (int64, error)
	PostDisconnectMaintenance(ctx context.Context) error
}

// Forwarder carries requests to peers. *redirect.Pool implements it.
type Forwarder interface {
	Forward(ctx context.Context, host string, env *redirect.Envelope) (*plugin.Result, error)
}

// Config wires a Dispatcher.
type Config struct {
	Registry Registry
	Catalog  catalog.Catalog
	Locator  *redirect.Locator
	Resolver *redirect.Resolver

	// Forwarder is required only when some resource lives on a peer
	Forwarder Forwarder

	// Structured serves structured objects; nil rejects them
	Structured *fco.StructuredCache

	// Hooks defaults to NopHooks
	Hooks Hooks

	Metrics        metrics.DispatchMetrics
	ReplicaMetrics metrics.ReplicaMetrics
}

// Dispatcher is the entry point for resource operations.
//
// Thread safety:
// Safe for concurrent use by many sessions. Concurrent writers of the same
// object are arbitrated by the catalog.
type Dispatcher struct {
	registry   Registry
	catalog    catalog.Catalog
	tracker    *replica.Tracker
	locator    *redirect.Locator
	resolver   *redirect.Resolver
	forwarder  Forwarder
	structured *fco.StructuredCache
	hooks      Hooks
	metrics    metrics.DispatchMetrics
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil {
		return nil, errors.New("dispatcher requires a resource registry")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("dispatcher requires a catalog")
	}
	if cfg.Locator == nil {
		return nil, errors.New("dispatcher requires a locator")
	}
	if cfg.Resolver == nil {
		cfg.Resolver = redirect.NewResolver(cfg.Registry, "", "")
	}
	if cfg.Hooks == nil {
		cfg.Hooks = NopHooks{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopDispatchMetrics()
	}

	return &Dispatcher{
		registry:   cfg.Registry,
		catalog:    cfg.Catalog,
		tracker:    replica.NewTracker(cfg.Catalog, cfg.ReplicaMetrics),
		locator:    cfg.Locator,
		resolver:   cfg.Resolver,
		forwarder:  cfg.Forwarder,
		structured: cfg.Structured,
		hooks:      cfg.Hooks,
		metrics:    cfg.Metrics,
	}, nil
}

// Tracker returns the replica tracker.
func (d *Dispatcher) Tracker() *replica.Tracker { return d.tracker }

// Invoke runs op against obj.
//
// For data objects it checks the replica stored under the object's
// hierarchy for the access op implies. It does not move replicas through
// the write states; use the typed methods (Open, Create, Close, ...) for
// that.
func (d *Dispatcher) Invoke(ctx context.Context, sess *Session, obj fco.Object, op string, req *plugin.Request) (res *plugin.Result, err error) {
	if obj == nil {
		return nil, resource.NewError(resource.ErrInvalidArgument, "no object to operate on")
	}
	if req == nil {
		req = &plugin.Request{}
	}

	var loc redirect.Location
	defer d.observe(op, &loc, time.Now(), &err)

	if loc, err = d.locate(ctx, obj); err != nil {
		return nil, err
	}
	if !loc.IsLocal() {
		return d.forward(ctx, sess, loc.Host, obj, op, req)
	}
	return d.local(ctx, &call{sess: sess, obj: obj, op: op, req: req})
}

// call is one local plugin invocation.
type call struct {
	sess *Session
	obj  fco.Object
	op   string
	req  *plugin.Request

	// inst is the serving instance when the caller already resolved it
	inst *plugin.Instance

	// checked is set when the caller already checked permission and
	// replica state
	checked bool
}

func (d *Dispatcher) locate(ctx context.Context, obj fco.Object) (redirect.Location, error) {
	if s, ok := obj.(*fco.StructuredObject); ok {
		if s.Host == "" {
			return redirect.Location{Kind: redirect.Local}, nil
		}
		return d.locator.LocateHost(ctx, s.Host)
	}
	return d.locator.LocateHierarchy(ctx, obj.Hierarchy())
}

// observe records an operation. It is deferred, so loc and err are read
// when the operation returns.
func (d *Dispatcher) observe(op string, loc *redirect.Location, start time.Time, err *error) {
	d.metrics.RecordOperation(op, loc.Kind.String(), time.Since(start), *err)
}

// local resolves the plugin and runs c between the hook points.
func (d *Dispatcher) local(ctx context.Context, c *call) (*plugin.Result, error) {
	inst := c.inst
	if inst == nil {
		var err error
		if inst, err = d.resolve(ctx, c.obj, c.op); err != nil {
			return nil, err
		}
	}

	if !c.checked {
		if err := d.check(ctx, c); err != nil {
			return nil, err
		}
	}

	ev := &HookEvent{Session: c.sess, Operation: c.op, Object: c.obj, Request: c.req}
	if err := d.hooks.Before(ctx, ev); err != nil {
		return nil, d.annotate(err, c)
	}

	res, err := inst.Invoke(ctx, c.op, c.obj, c.req)
	if err != nil {
		if resource.IsCode(err, resource.ErrOperationNotSupported) {
			logger.Error("Resource %s (%s) has no %s operation: check the resource configuration",
				inst.Name(), inst.Type(), c.op)
		}
		return nil, d.annotate(err, c)
	}

	ev.Result = res
	if err := d.hooks.After(ctx, ev); err != nil {
		return nil, d.annotate(err, c)
	}
	return res, nil
}

// resolve returns the plugin instance serving op on obj.
func (d *Dispatcher) resolve(ctx context.Context, obj fco.Object, op string) (*plugin.Instance, error) {
	resolved, err := fco.Resolve(ctx, obj, fco.Env{
		Registry:   d.registry,
		Structured: d.structured,
		Operation:  op,
	})
	if err != nil {
		return nil, resource.Annotate(err, obj.LogicalPath(), obj.Hierarchy(), op)
	}
	return resolved.Instance, nil
}

func (d *Dispatcher) annotate(err error, c *call) error {
	p := c.obj.PhysicalPath()
	if p == "" {
		p = c.obj.LogicalPath()
	}
	return resource.Annotate(err, p, c.obj.Hierarchy(), c.op)
}

// check verifies the session's permission and the replica state c needs.
func (d *Dispatcher) check(ctx context.Context, c *call) error {
	if err := d.authorize(ctx, c.sess, c.obj.LogicalPath(), requiredPermission(c.op, c.req)); err != nil {
		return resource.Annotate(err, "", c.obj.Hierarchy(), c.op)
	}

	if _, ok := c.obj.(*fco.DataObject); !ok {
		return nil
	}
	access, ok := accessFor(c.op, c.req)
	if !ok {
		return nil
	}
	if err := d.tracker.CheckHierarchy(ctx, c.obj.LogicalPath(), c.obj.Hierarchy(), access); err != nil {
		return resource.Annotate(err, "", c.obj.Hierarchy(), c.op)
	}
	return nil
}

func (d *Dispatcher) authorize(ctx context.Context, sess *Session, logicalPath string, required catalog.Permission) error {
	if sess == nil || sess.User == "" || logicalPath == "" || required == catalog.PermNone {
		return nil
	}
	return d.catalog.CheckPermission(ctx, sess.User, logicalPath, required)
}

func requiredPermission(op string, req *plugin.Request) catalog.Permission {
	switch {
	case op == plugin.OpOpen && req != nil && plugin.IsWriteFlags(req.Flags):
		return catalog.PermWrite
	case plugin.IsWriteOperation(op), op == plugin.OpStage:
		return catalog.PermWrite
	case op == plugin.OpFreeSpace, op == plugin.OpRead, op == plugin.OpLseek, op == plugin.OpClose,
		op == plugin.OpReaddir, op == plugin.OpClosedir:
		// Checked when the descriptor was opened.
		return catalog.PermNone
	}
	return catalog.PermRead
}

func accessFor(op string, req *plugin.Request) (replica.Access, bool) {
	switch op {
	case plugin.OpOpen:
		if req != nil && plugin.IsWriteFlags(req.Flags) {
			return replica.AccessWrite, true
		}
		return replica.AccessRead, true
	case plugin.OpWrite, plugin.OpTruncate:
		return replica.AccessWrite, true
	case plugin.OpUnlink:
		return replica.AccessUnlink, true
	case plugin.OpRename:
		return replica.AccessRename, true
	case plugin.OpStat:
		return replica.AccessStat, true
	}
	return 0, false
}

func (d *Dispatcher) forward(ctx context.Context, sess *Session, host string, obj fco.Object, op string, req *plugin.Request) (*plugin.Result, error) {
	if d.forwarder == nil {
		return nil, &resource.ResourceError{
			Code:      resource.ErrRedirection,
			Message:   "object lives on " + host + " but no peer forwarding is configured",
			Path:      obj.LogicalPath(),
			Hierarchy: obj.Hierarchy(),
			Operation: op,
		}
	}
	env := &redirect.Envelope{Operation: op, Object: obj, Request: *req}
	if sess != nil {
		env.Session = sess.ID
		env.User = sess.User
	}
	return d.forwarder.Forward(ctx, host, env)
}

// recordWritten registers replicas an operation produced as a side effect.
func (d *Dispatcher) recordWritten(ctx context.Context, logicalPath string, written []plugin.Written) error {
	var result *multierror.Error
	for _, w := range written {
		replicas, err := d.tracker.Replicas(ctx, logicalPath)
		if err != nil {
			return err
		}
		if existing, ok := replica.FindByHierarchy(replicas, w.Hierarchy); ok {
			if err := d.tracker.MarkGood(ctx, logicalPath, existing.Number, w.Size, ""); err != nil {
				result = multierror.Append(result, err)
			}
			continue
		}

		id, err := d.registry.HierToLeafID(w.Hierarchy)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		added, err := d.tracker.AddReplica(ctx, logicalPath, replica.Replica{
			Hierarchy:    w.Hierarchy,
			PhysicalPath: w.PhysicalPath,
			ResourceID:   id,
			Size:         w.Size,
			State:        replica.StateGood,
		})
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		logger.Debug("Registered replica %d of %s on %s", added.Number, logicalPath, w.Hierarchy)
	}
	return result.ErrorOrNil()
}

// notifyModified tells every coordinating resource above the leaf of obj,
// innermost first, that the leaf replica changed.
func (d *Dispatcher) notifyModified(ctx context.Context, obj *fco.DataObject) error {
	h, err := hierarchy.Parse(obj.Hier)
	if err != nil {
		return err
	}
	names := h.Names()

	for i := len(names) - 2; i >= 0; i-- {
		inst, err := d.registry.ResolveByName(ctx, names[i])
		if err != nil {
			return err
		}
		if !inst.HasOperation(plugin.OpModified) {
			continue
		}

		replicas, err := d.tracker.Replicas(ctx, obj.Logical)
		if err != nil {
			return err
		}
		parent := ""
		if i > 0 {
			parent, _ = h.ToString(names[i-1])
		}

		res, err := inst.Invoke(ctx, plugin.OpModified, obj, &plugin.Request{
			Hierarchy: parent,
			Replicas:  replicaRefs(replicas),
		})
		if err != nil {
			return resource.Annotate(err, obj.Physical, obj.Hier, plugin.OpModified)
		}
		if err := d.recordWritten(ctx, obj.Logical, res.Written); err != nil {
			return err
		}
	}
	return nil
}

func replicaRefs(replicas []replica.Replica) []plugin.ReplicaRef {
	refs := make([]plugin.ReplicaRef, 0, len(replicas))
	for _, r := range replicas {
		refs = append(refs, plugin.ReplicaRef{
			Number:       r.Number,
			Hierarchy:    r.Hierarchy,
			PhysicalPath: r.PhysicalPath,
			Good:         r.State == replica.StateGood,
		})
	}
	return refs
}

// CloseSession closes every descriptor of sess and runs the resources'
// post-disconnect maintenance.
func (d *Dispatcher) CloseSession(ctx context.Context, sess *Session) error {
	var result *multierror.Error
	for _, fd := range sess.fds.Keys() {
		e, err := sess.fds.Get(fd)
		if err != nil {
			continue
		}
		switch e.Local.(type) {
		case *openDir, *fco.Collection:
			err = d.CloseDir(ctx, sess, fd)
		default:
			err = d.Close(ctx, sess, fd)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := d.registry.PostDisconnectMaintenance(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
