package plugin

// Retarget returns a view of obj addressing another replica location. Used by
// coordinating backends to hand an object to a child with that child's
// physical path and hierarchy.
func Retarget(obj Object, physicalPath, hier string) Object {
	return &retargeted{Object: obj, physicalPath: physicalPath, hier: hier}
}

type retargeted struct {
	Object
	physicalPath string
	hier         string
}

func (r *retargeted) PhysicalPath() string { return r.physicalPath }

func (r *retargeted) Hierarchy() string { return r.hier }

func (r *retargeted) ContextVars() map[string]string {
	vars := r.Object.ContextVars()
	out := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		out[k] = v
	}
	out["physical_path"] = r.physicalPath
	out["resc_hier"] = r.hier
	return out
}

// SimpleObject is a plain Object value for callers that do not need a full
// first-class object.
type SimpleObject struct {
	Logical  string
	Physical string
	Hier     string
	Vars     map[string]string
}

func (o *SimpleObject) LogicalPath() string  { return o.Logical }
func (o *SimpleObject) PhysicalPath() string { return o.Physical }
func (o *SimpleObject) Hierarchy() string    { return o.Hier }

func (o *SimpleObject) ContextVars() map[string]string {
	out := map[string]string{
		"logical_path":  o.Logical,
		"physical_path": o.Physical,
		"resc_hier":     o.Hier,
	}
	for k, v := range o.Vars {
		out[k] = v
	}
	return out
}
