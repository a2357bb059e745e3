package redirect

import (
	"context"
	"sort"
	"strconv"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/backend"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// Condition keywords honored by hierarchy resolution.
const (
	KeyRescName     = "resc_name"
	KeyDestRescName = "dest_resc_name"
	KeyReplNum      = "repl_num"
)

// Decision is the hierarchy chosen for an operation.
type Decision struct {
	Hierarchy string
	Vote      float64

	// Replica is the existing replica on Hierarchy, nil for a new one
	Replica *replica.Replica

	// Written lists replicas produced while voting, e.g. a compound
	// resource staging its archive copy into the cache
	Written []plugin.Written
}

// Resolver picks the hierarchy a create, open or write should use.
type Resolver struct {
	registry        Registry
	defaultResource string
	host            string
}

// NewResolver creates a resolver. host is this server's name, offered to
// voting resources so they can prefer local storage. defaultResource is
// used for creates that do not name a resource.
func NewResolver(registry Registry, defaultResource, host string) *Resolver {
	return &Resolver{registry: registry, defaultResource: defaultResource, host: host}
}

// ResolveHierarchy chooses the hierarchy for op on obj given its existing
// replicas.
//
// Selection order:
//  1. a requested replica number selects that replica's hierarchy
//  2. resc_name (and dest_resc_name for create) restricts voting to the
//     named resource
//  3. otherwise creates vote on the default resource and opens on the roots
//     holding a replica
//
// The highest vote wins. Ties go to the first root by name. When every vote
// is zero ErrHierarchy is returned.
func (r *Resolver) ResolveHierarchy(ctx context.Context, obj fco.Object, op string, replicas []replica.Replica) (*Decision, error) {
	conds := obj.Conditions()

	if num, ok, err := requestedReplica(obj, conds); err != nil {
		return nil, err
	} else if ok {
		repl, found := replica.Find(replicas, num)
		if !found {
			return nil, &resource.ResourceError{
				Code:      resource.ErrNotFound,
				Message:   "no replica number " + strconv.Itoa(num),
				Path:      obj.LogicalPath(),
				Operation: op,
			}
		}
		return &Decision{Hierarchy: repl.Hierarchy, Vote: backend.VoteLocal, Replica: &repl}, nil
	}

	refs := replicaRefs(replicas)
	req := &plugin.Request{
		Operation:   op,
		CurrentHost: r.host,
		Conditions:  conds,
		Replicas:    refs,
	}
	if op == plugin.OpCreate {
		// A create makes a new replica, existing ones do not constrain it.
		req.Replicas = nil
	}

	candidates, err := r.candidates(op, conds, replicas)
	if err != nil {
		return nil, resource.Annotate(err, obj.LogicalPath(), "", op)
	}

	var best *Decision
	for _, c := range candidates {
		d, err := r.vote(ctx, obj, c, req)
		if err != nil {
			return nil, resource.Annotate(err, obj.LogicalPath(), "", op)
		}
		logger.Debug("Resource %s voted %.2f for %s of %s (hierarchy %s)", c.name, d.Vote, op, obj.LogicalPath(), d.Hierarchy)
		if d.Vote > 0 && (best == nil || d.Vote > best.Vote) {
			best = d
		}
	}

	if best == nil {
		return nil, &resource.ResourceError{
			Code:      resource.ErrHierarchy,
			Message:   "no resource is available for the operation",
			Path:      obj.LogicalPath(),
			Operation: op,
		}
	}

	if repl, ok := replica.FindByHierarchy(replicas, best.Hierarchy); ok && op != plugin.OpCreate {
		best.Replica = &repl
	}
	return best, nil
}

func requestedReplica(obj fco.Object, conds map[string]string) (int, bool, error) {
	if n := obj.ReplicaNumber(); n >= 0 {
		return n, true, nil
	}
	s, ok := conds[KeyReplNum]
	if !ok || s == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false, resource.NewError(resource.ErrInvalidArgument, "invalid replica number %q", s)
	}
	return n, true, nil
}

func replicaRefs(replicas []replica.Replica) []plugin.ReplicaRef {
	refs := make([]plugin.ReplicaRef, 0, len(replicas))
	for _, rp := range replicas {
		refs = append(refs, plugin.ReplicaRef{
			Number:       rp.Number,
			Hierarchy:    rp.Hierarchy,
			PhysicalPath: rp.PhysicalPath,
			Good:         rp.State == replica.StateGood,
		})
	}
	return refs
}

// candidate is a resource asked to vote, with the hierarchy above it.
type candidate struct {
	name   string
	parent string
}

func (r *Resolver) candidates(op string, conds map[string]string, replicas []replica.Replica) ([]candidate, error) {
	keyword := conds[KeyRescName]
	if op == plugin.OpCreate && conds[KeyDestRescName] != "" {
		keyword = conds[KeyDestRescName]
	}
	if keyword != "" {
		h, err := r.registry.HierarchyOf(keyword)
		if err != nil {
			return nil, err
		}
		parent := ""
		if h.Depth() > 1 {
			prev, _ := h.Previous(keyword)
			parent, _ = h.ToString(prev)
		}
		return []candidate{{name: keyword, parent: parent}}, nil
	}

	if op == plugin.OpCreate || len(replicas) == 0 {
		if r.defaultResource != "" {
			return []candidate{{name: r.defaultResource}}, nil
		}
		return rootCandidates(r.registry.RootResources()), nil
	}

	seen := make(map[string]struct{})
	var roots []string
	for _, rp := range replicas {
		h, err := hierarchy.Parse(rp.Hierarchy)
		if err != nil {
			logger.Warn("Replica %d of %s has a bad hierarchy %q: %v", rp.Number, rp.LogicalPath, rp.Hierarchy, err)
			continue
		}
		if _, ok := seen[h.First()]; !ok {
			seen[h.First()] = struct{}{}
			roots = append(roots, h.First())
		}
	}
	sort.Strings(roots)
	return rootCandidates(roots), nil
}

func rootCandidates(names []string) []candidate {
	out := make([]candidate, 0, len(names))
	for _, n := range names {
		out = append(out, candidate{name: n})
	}
	return out
}

func (r *Resolver) vote(ctx context.Context, obj fco.Object, c candidate, base *plugin.Request) (*Decision, error) {
	inst, err := r.registry.ResolveByName(ctx, c.name)
	if err != nil {
		return nil, err
	}

	req := *base
	req.Hierarchy = c.parent

	if !inst.HasOperation(plugin.OpResolveHierarchy) {
		vote, hier := backend.LeafVote(inst, &req)
		return &Decision{Hierarchy: hier, Vote: vote}, nil
	}

	res, err := inst.Invoke(ctx, plugin.OpResolveHierarchy, obj, &req)
	if err != nil {
		return nil, err
	}
	if res.Vote <= 0 {
		return &Decision{Hierarchy: res.Hierarchy, Vote: 0}, nil
	}

	h, err := hierarchy.Parse(res.Hierarchy)
	if err != nil {
		return nil, resource.Annotate(err, "", res.Hierarchy, plugin.OpResolveHierarchy)
	}
	if err := r.registry.ValidateHierarchy(h); err != nil {
		return nil, err
	}
	return &Decision{Hierarchy: res.Hierarchy, Vote: res.Vote, Written: res.Written}, nil
}
