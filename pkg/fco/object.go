// Package fco models the first-class objects a request targets: data objects,
// collections and members of structured container files.
//
// Every object knows how to resolve itself to the plugin instance serving it.
// Data objects and collections resolve through the resource registry using
// their hierarchy string. Structured objects resolve through a cache keyed by
// plugin type because access to them is driven by host and path.
package fco

import (
	"strconv"

	"github.com/marmos91/stratafs/pkg/plugin"
)

// Kind tags the object variants.
type Kind int

const (
	KindDataObject Kind = iota
	KindCollection
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindDataObject:
		return "data_object"
	case KindCollection:
		return "collection"
	case KindStructured:
		return "structured_object"
	}
	return "unknown"
}

// Context variable keys.
const (
	VarLogicalPath  = "logical_path"
	VarPhysicalPath = "physical_path"
	VarRescHier     = "resc_hier"
	VarRescID       = "resc_id"
	VarReplNum      = "repl_num"
	VarMode         = "mode"
	VarFlags        = "flags"
	VarDataType     = "data_type"
	VarDataSize     = "data_size"
	VarObjectType   = "object_type"
	VarSpecCollType = "spec_coll_type"
	VarSpecCollPath = "spec_coll_path"
	VarSubFilePath  = "sub_file_path"
	VarHost         = "host"
	VarZone         = "zone"
)

// Object is implemented by DataObject, Collection and StructuredObject only.
type Object interface {
	plugin.Object

	// Kind returns the variant tag
	Kind() Kind

	// ResourceID is the catalog id of the leaf resource, 0 when unknown
	ResourceID() int64

	// ReplicaNumber is the replica the request addresses, -1 for any
	ReplicaNumber() int

	// Conditions are the keyword/value pairs of the request
	Conditions() map[string]string

	sealed()
}

// Address holds the fields every object variant shares.
type Address struct {
	Logical  string
	Physical string
	Hier     string
	RescID   int64
	ReplNum  int
	Mode     uint32
	Flags    int
	Cond     map[string]string
}

func (a *Address) LogicalPath() string  { return a.Logical }
func (a *Address) PhysicalPath() string { return a.Physical }
func (a *Address) Hierarchy() string    { return a.Hier }
func (a *Address) ResourceID() int64    { return a.RescID }
func (a *Address) ReplicaNumber() int   { return a.ReplNum }

// Conditions returns the request keyword/value pairs, never nil.
func (a *Address) Conditions() map[string]string {
	if a.Cond == nil {
		return map[string]string{}
	}
	return a.Cond
}

func (a *Address) vars(kind Kind) map[string]string {
	out := make(map[string]string, len(a.Cond)+10)
	for k, v := range a.Cond {
		out[k] = v
	}
	out[VarLogicalPath] = a.Logical
	out[VarPhysicalPath] = a.Physical
	out[VarRescHier] = a.Hier
	out[VarRescID] = strconv.FormatInt(a.RescID, 10)
	out[VarReplNum] = strconv.Itoa(a.ReplNum)
	out[VarMode] = strconv.FormatUint(uint64(a.Mode), 8)
	out[VarFlags] = strconv.Itoa(a.Flags)
	out[VarObjectType] = kind.String()
	return out
}

// DataObject is a plain file.
type DataObject struct {
	Address
	DataType string
	Size     int64
}

// NewDataObject creates a data object addressing any replica.
func NewDataObject(logical, hier string) *DataObject {
	return &DataObject{Address: Address{Logical: logical, Hier: hier, ReplNum: -1}}
}

func (o *DataObject) Kind() Kind { return KindDataObject }
func (o *DataObject) sealed()    {}

// ContextVars implements plugin.Object.
func (o *DataObject) ContextVars() map[string]string {
	out := o.vars(KindDataObject)
	out[VarDataType] = o.DataType
	out[VarDataSize] = strconv.FormatInt(o.Size, 10)
	return out
}

// Collection is a directory.
type Collection struct {
	Address
}

// NewCollection creates a collection.
func NewCollection(logical, hier string) *Collection {
	return &Collection{Address: Address{Logical: logical, Hier: hier, ReplNum: -1}}
}

func (o *Collection) Kind() Kind { return KindCollection }
func (o *Collection) sealed()    {}

// ContextVars implements plugin.Object.
func (o *Collection) ContextVars() map[string]string {
	return o.vars(KindCollection)
}

// Supports reports whether op can target a collection.
func (o *Collection) Supports(op string) bool {
	return plugin.IsDirectoryOperation(op)
}

// StructuredObject is a member of a container file such as a tar archive.
type StructuredObject struct {
	Address

	// SpecCollType is the container format, e.g. "tar"
	SpecCollType string

	// SpecCollPath is the logical path the container is mounted at
	SpecCollPath string

	// SubFilePath is the member path inside the container
	SubFilePath string

	// Host is where the container file lives
	Host string

	Zone string
}

// NewStructuredObject creates an object addressing member sub of the
// container at physical on host.
func NewStructuredObject(specType, host, physical, sub string) *StructuredObject {
	return &StructuredObject{
		Address:      Address{Physical: physical, ReplNum: -1},
		SpecCollType: specType,
		SubFilePath:  sub,
		Host:         host,
	}
}

func (o *StructuredObject) Kind() Kind { return KindStructured }
func (o *StructuredObject) sealed()    {}

// ContextVars implements plugin.Object.
func (o *StructuredObject) ContextVars() map[string]string {
	out := o.vars(KindStructured)
	out[VarSpecCollType] = o.SpecCollType
	out[VarSpecCollPath] = o.SpecCollPath
	out[VarSubFilePath] = o.SubFilePath
	out[VarHost] = o.Host
	out[VarZone] = o.Zone
	return out
}
