// Package backend holds helpers shared by the built-in resource plugins.
//
// Every plugin lives in its own sub-package and registers itself with
// plugin.Register from init(). Import the backends you want compiled in:
//
//	import _ "github.com/marmos91/stratafs/pkg/backend/unixfilesystem"
package backend

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/hierarchy"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/resource"
	"github.com/mitchellh/mapstructure"
)

// Vote values returned by leaves from resolve_hierarchy.
const (
	VoteLocal  = 1.0
	VoteRemote = 0.5
	VoteNone   = 0.0
)

// copyChunk is the buffer size used by Copy.
const copyChunk = 1 << 20

// Extend appends name to a partial hierarchy string.
func Extend(hier, name string) string {
	if hier == "" {
		return name
	}
	return hier + hierarchy.Delimiter + name
}

// LeafVote computes the vote of a storage leaf for an operation.
//
// A down resource never votes. For opens of an existing object the leaf only
// votes when it holds a usable replica: a good one for reads, any one for
// writes. Otherwise a leaf on the requesting host votes VoteLocal and a
// remote leaf VoteRemote.
func LeafVote(inst *plugin.Instance, req *plugin.Request) (float64, string) {
	hier := Extend(req.Hierarchy, inst.Name())
	if inst.Properties().IsDown() {
		return VoteNone, hier
	}

	if req.Operation != plugin.OpCreate && len(req.Replicas) > 0 {
		found := false
		for _, r := range req.Replicas {
			if r.Hierarchy == hier && (r.Good || req.Operation == plugin.OpWrite) {
				found = true
				break
			}
		}
		if !found {
			return VoteNone, hier
		}
	}

	host := inst.Properties().Host()
	if host == "" || req.CurrentHost == "" || strings.EqualFold(host, req.CurrentHost) {
		return VoteLocal, hier
	}
	return VoteRemote, hier
}

// ResolveLeaf is the resolve_hierarchy operation of storage leaves.
func ResolveLeaf(ctx context.Context, call *plugin.Call) (*plugin.Result, error) {
	vote, hier := LeafVote(call.Instance, call.Request)
	return &plugin.Result{Vote: vote, Hierarchy: hier}, nil
}

// VoteChild asks child to vote, extending the hierarchy built so far with the
// parent's name.
func VoteChild(ctx context.Context, parent, child *plugin.Instance, call *plugin.Call) (*plugin.Result, error) {
	req := *call.Request
	req.Hierarchy = Extend(call.Request.Hierarchy, parent.Name())
	return child.Invoke(ctx, plugin.OpResolveHierarchy, call.Object, &req)
}

// VoteBest asks every child to vote and returns the highest vote. Ties go to
// the earliest child. Children that fail to vote are skipped; with no vote at
// all inst itself answers VoteNone.
func VoteBest(ctx context.Context, inst *plugin.Instance, children []*plugin.Instance, call *plugin.Call) *plugin.Result {
	var best *plugin.Result
	for _, child := range children {
		res, err := VoteChild(ctx, inst, child, call)
		if err != nil {
			logger.Debug("%s: child %s did not vote: %v", inst.Name(), child.Name(), err)
			continue
		}
		if best == nil || res.Vote > best.Vote {
			best = res
		}
	}
	if best == nil {
		return &plugin.Result{Vote: VoteNone, Hierarchy: Extend(call.Request.Hierarchy, inst.Name())}
	}
	return best
}

// ChildHierarchy returns the hierarchy of child below parent, where parentHier
// is the hierarchy above parent.
func ChildHierarchy(parentHier string, parent, child *plugin.Instance) string {
	return Extend(Extend(parentHier, parent.Name()), child.Name())
}

// ParentHierarchy returns the part of obj's hierarchy above inst.
func ParentHierarchy(obj plugin.Object, inst *plugin.Instance) string {
	if obj == nil || obj.Hierarchy() == "" {
		return ""
	}
	h, err := hierarchy.Parse(obj.Hierarchy())
	if err != nil || !h.Contains(inst.Name()) {
		return ""
	}
	prev, err := h.Previous(inst.Name())
	if err != nil {
		return ""
	}
	parent, _ := h.ToString(prev)
	return parent
}

// NextInHierarchy returns the child of inst that obj's hierarchy routes to.
func NextInHierarchy(obj plugin.Object, inst *plugin.Instance) (*plugin.Instance, error) {
	h, err := hierarchy.Parse(obj.Hierarchy())
	if err != nil {
		return nil, err
	}
	name, err := h.Next(inst.Name())
	if err != nil {
		return nil, resource.WrapError(resource.ErrHierarchy, err, "resource %s has no child in hierarchy %s", inst.Name(), h)
	}
	child, ok := inst.Child(name)
	if !ok {
		return nil, resource.NewError(resource.ErrHierarchy, "%s is not a child of %s", name, inst.Name())
	}
	return child, nil
}

// Descend walks from inst down hier to its leaf instance. inst must be part
// of hier.
func Descend(inst *plugin.Instance, hier string) (*plugin.Instance, error) {
	h, err := hierarchy.Parse(hier)
	if err != nil {
		return nil, err
	}
	if !h.Contains(inst.Name()) {
		return nil, resource.NewError(resource.ErrHierarchy, "resource %s is not part of hierarchy %s", inst.Name(), hier)
	}

	cur := inst
	for cur.Name() != h.Last() {
		next, err := h.Next(cur.Name())
		if err != nil {
			return nil, err
		}
		child, ok := cur.Child(next)
		if !ok {
			return nil, resource.NewError(resource.ErrHierarchy, "%s is not a child of %s", next, cur.Name())
		}
		cur = child
	}
	return cur, nil
}

// FindReplica returns the replica recorded on hier.
func FindReplica(replicas []plugin.ReplicaRef, hier string) (plugin.ReplicaRef, bool) {
	for _, r := range replicas {
		if r.Hierarchy == hier {
			return r, true
		}
	}
	return plugin.ReplicaRef{}, false
}

// PhysicalPath returns the path of obj inside inst: the object's own physical
// path when set, else the logical path under the resource vault.
func PhysicalPath(inst *plugin.Instance, obj plugin.Object) string {
	if obj == nil {
		return inst.Properties().VaultPath()
	}
	if p := obj.PhysicalPath(); p != "" {
		return p
	}
	return path.Join(inst.Properties().VaultPath(), path.Clean("/"+obj.LogicalPath()))
}

// ContextMap parses the context string of inst.
func ContextMap(inst *plugin.Instance) (map[string]string, error) {
	m, err := resource.ParseContext(inst.Context())
	if err != nil {
		return nil, resource.WrapError(resource.ErrInvalidArgument, err, "resource %s has a malformed context", inst.Name())
	}
	return m, nil
}

// DecodeContext decodes the context string of inst into out using its
// mapstructure tags. Values are converted from strings as needed.
func DecodeContext(inst *plugin.Instance, out any) error {
	return DecodeContextString(inst.Name(), inst.Context(), out)
}

// DecodeContextString is DecodeContext for factories, which run before the
// instance exists.
func DecodeContextString(name, rescContext string, out any) error {
	m, err := resource.ParseContext(rescContext)
	if err != nil {
		return resource.WrapError(resource.ErrInvalidArgument, err, "resource %s has a malformed context", name)
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(m); err != nil {
		return resource.WrapError(resource.ErrInvalidArgument, err, "resource %s: invalid context", name)
	}
	return nil
}

// Condition returns a request condition, falling back to the resource
// context and then def.
func Condition(inst *plugin.Instance, req *plugin.Request, key, def string) string {
	if req != nil {
		if v, ok := req.Conditions[key]; ok && v != "" {
			return v
		}
	}
	if m, err := ContextMap(inst); err == nil {
		if v, ok := m[key]; ok && v != "" {
			return v
		}
	}
	return def
}

// FloatCondition is Condition parsed as a float.
func FloatCondition(inst *plugin.Instance, req *plugin.Request, key string, def float64) float64 {
	v := Condition(inst, req, key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// MapError converts filesystem errors into resource errors.
func MapError(err error, op, physicalPath string) error {
	if err == nil {
		return nil
	}

	code := resource.ErrPlugin
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = resource.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		code = resource.ErrPermissionDenied
	case errors.Is(err, fs.ErrExist), errors.Is(err, fs.ErrInvalid):
		code = resource.ErrInvalidArgument
	}
	if _, ok := resource.CodeOf(err); ok {
		return resource.Annotate(err, physicalPath, "", op)
	}
	return &resource.ResourceError{
		Code:      code,
		Message:   fmt.Sprintf("%s failed", op),
		Path:      physicalPath,
		Operation: op,
		Err:       err,
	}
}

// Copy streams obj from src into dst using open/read and create/write.
// srcObj and dstObj address the object on each resource.
func Copy(ctx context.Context, src *plugin.Instance, srcObj plugin.Object, dst *plugin.Instance, dstObj plugin.Object) (plugin.Written, error) {
	in, err := src.Invoke(ctx, plugin.OpOpen, srcObj, &plugin.Request{Flags: plugin.FlagReadOnly})
	if err != nil {
		return plugin.Written{}, err
	}
	defer func() {
		_, _ = src.Invoke(ctx, plugin.OpClose, srcObj, &plugin.Request{Descriptor: in.Descriptor})
	}()

	out, err := dst.Invoke(ctx, plugin.OpCreate, dstObj, &plugin.Request{
		Flags: plugin.FlagWriteOnly | plugin.FlagCreate | plugin.FlagTruncate,
		Mode:  0o640,
	})
	if err != nil {
		return plugin.Written{}, err
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			_, _ = dst.Invoke(ctx, plugin.OpClose, dstObj, &plugin.Request{Descriptor: out.Descriptor})
			return plugin.Written{}, err
		}

		chunk, err := src.Invoke(ctx, plugin.OpRead, srcObj, &plugin.Request{Descriptor: in.Descriptor, Length: copyChunk})
		if err != nil {
			_, _ = dst.Invoke(ctx, plugin.OpClose, dstObj, &plugin.Request{Descriptor: out.Descriptor})
			return plugin.Written{}, err
		}
		if len(chunk.Data) == 0 {
			break
		}
		if _, err := dst.Invoke(ctx, plugin.OpWrite, dstObj, &plugin.Request{Descriptor: out.Descriptor, Data: chunk.Data}); err != nil {
			_, _ = dst.Invoke(ctx, plugin.OpClose, dstObj, &plugin.Request{Descriptor: out.Descriptor})
			return plugin.Written{}, err
		}
		total += int64(len(chunk.Data))
	}

	if _, err := dst.Invoke(ctx, plugin.OpClose, dstObj, &plugin.Request{Descriptor: out.Descriptor}); err != nil {
		return plugin.Written{}, err
	}

	physical := out.PhysicalPath
	if physical == "" {
		physical = dstObj.PhysicalPath()
	}
	return plugin.Written{Hierarchy: dstObj.Hierarchy(), PhysicalPath: physical, Size: total}, nil
}
