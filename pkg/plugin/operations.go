package plugin

// Resource operation names bound into a plugin's operation table.
const (
	OpCreate     = "create"
	OpOpen       = "open"
	OpRead       = "read"
	OpWrite      = "write"
	OpClose      = "close"
	OpUnlink     = "unlink"
	OpStat       = "stat"
	OpLseek      = "lseek"
	OpMkdir      = "mkdir"
	OpRmdir      = "rmdir"
	OpOpendir    = "opendir"
	OpReaddir    = "readdir"
	OpClosedir   = "closedir"
	OpRename     = "rename"
	OpTruncate   = "truncate"
	OpFreeSpace  = "freespace"
	OpStage      = "stage"
	OpSync       = "sync"
	OpExtract    = "extract"
	OpReplicate  = "replicate"
	OpRebalance  = "rebalance"
	OpRegistered = "registered"
	OpUnregister = "unregistered"
	OpModified   = "modified"
	OpNotify     = "notify"

	// OpResolveHierarchy asks a resource to vote for an operation and extend
	// the hierarchy being built with its chosen child.
	OpResolveHierarchy = "resolve_hierarchy"

	// Lifecycle operations called by the registry.
	OpStart          = "start"
	OpStop           = "stop"
	OpPostDisconnect = "post_disconnect"
)

// IsDirectoryOperation reports whether op is valid against a collection.
func IsDirectoryOperation(op string) bool {
	switch op {
	case OpMkdir, OpRmdir, OpOpendir, OpReaddir, OpClosedir, OpStat, OpRename,
		OpRegistered, OpUnregister, OpModified, OpNotify, OpResolveHierarchy:
		return true
	}
	return false
}

// IsCoordinatingOperation reports whether op is addressed to the root of a
// hierarchy rather than to its leaf.
func IsCoordinatingOperation(op string) bool {
	switch op {
	case OpResolveHierarchy, OpStage, OpReplicate, OpRebalance:
		return true
	}
	return false
}

// IsWriteOperation reports whether op changes the object's data or namespace.
func IsWriteOperation(op string) bool {
	switch op {
	case OpCreate, OpWrite, OpUnlink, OpMkdir, OpRmdir, OpRename, OpTruncate, OpSync, OpReplicate, OpRebalance:
		return true
	}
	return false
}

// Open flags understood by backends. They mirror the POSIX access modes.
const (
	FlagReadOnly  = 0x0
	FlagWriteOnly = 0x1
	FlagReadWrite = 0x2
	FlagCreate    = 0x40
	FlagTruncate  = 0x200
	FlagAppend    = 0x400

	accessModeMask = 0x3
)

// IsWriteFlags reports whether open flags request write access.
func IsWriteFlags(flags int) bool {
	mode := flags & accessModeMask
	return mode == FlagWriteOnly || mode == FlagReadWrite || flags&(FlagCreate|FlagTruncate|FlagAppend) != 0
}
