package resource

import (
	"errors"
	"fmt"
	"strings"
)

// ResourceError represents a domain error raised while resolving or operating
// on a resource hierarchy.
//
// Beyond the error category it carries the context an operator needs to find
// the failing resource without re-deriving it from logs: the object path, the
// hierarchy string and the operation name. Backend failures additionally carry
// the backend's own numeric code in PluginCode.
type ResourceError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the logical or physical object path related to the error (if any)
	Path string

	// Hierarchy is the resource hierarchy string related to the error (if any)
	Hierarchy string

	// Operation is the named resource operation that failed (if any)
	Operation string

	// Resource is the resource name related to the error (if any)
	Resource string

	// PluginCode is the backend-specific status code for ErrPlugin errors
	PluginCode int

	// Err is the underlying cause (if any)
	Err error
}

// Error implements the error interface.
func (e *ResourceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Message == "" && e.Err != nil {
		b.WriteString(e.Err.Error())
	}

	var details []string
	if e.Operation != "" {
		details = append(details, "op="+e.Operation)
	}
	if e.Resource != "" {
		details = append(details, "resource="+e.Resource)
	}
	if e.Hierarchy != "" {
		details = append(details, "hier="+e.Hierarchy)
	}
	if e.Path != "" {
		details = append(details, "path="+e.Path)
	}
	if e.Code == ErrPlugin && e.PluginCode != 0 {
		details = append(details, fmt.Sprintf("code=%d", e.PluginCode))
	}
	if len(details) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(details, " "))
		b.WriteString("]")
	}
	if e.Err != nil && e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *ResourceError) Unwrap() error {
	return e.Err
}

// ErrorCode represents the category of a resource error.
type ErrorCode int

const (
	// ErrParse indicates a malformed hierarchy string
	ErrParse ErrorCode = iota

	// ErrNotFound indicates an unknown resource name, id or hierarchy member
	ErrNotFound

	// ErrHierarchy indicates an empty or inconsistent hierarchy at a point where
	// a resource was required, or an ambiguous removal
	ErrHierarchy

	// ErrModuleNotFound indicates the plugin module could not be located or opened
	ErrModuleNotFound

	// ErrIncompatibleVersion indicates the module's version marker is not supported
	ErrIncompatibleVersion

	// ErrFactoryFailed indicates the module factory produced no plugin
	ErrFactoryFailed

	// ErrDelayLoadFailed indicates the plugin could not bind its operation table
	ErrDelayLoadFailed

	// ErrRedirection indicates an unknown host, a malformed address or a failed
	// remote forward
	ErrRedirection

	// ErrReplicaLocked indicates an operation was attempted against an
	// intermediate or write-locked replica
	ErrReplicaLocked

	// ErrOperationNotSupported indicates the named operation is absent from the
	// plugin's operation table. This is a configuration fault.
	ErrOperationNotSupported

	// ErrPlugin indicates an opaque failure reported by a backend module
	ErrPlugin

	// ErrInvalidArgument indicates invalid parameters were provided
	ErrInvalidArgument

	// ErrPermissionDenied indicates the catalog refused access to the object
	ErrPermissionDenied
)

var codeNames = map[ErrorCode]string{
	ErrParse:                 "ParseError",
	ErrNotFound:              "NotFound",
	ErrHierarchy:             "HierarchyError",
	ErrModuleNotFound:        "ModuleNotFound",
	ErrIncompatibleVersion:   "IncompatibleVersion",
	ErrFactoryFailed:         "FactoryFailed",
	ErrDelayLoadFailed:       "DelayLoadFailed",
	ErrRedirection:           "RedirectionError",
	ErrReplicaLocked:         "ReplicaLocked",
	ErrOperationNotSupported: "OperationNotSupported",
	ErrPlugin:                "PluginError",
	ErrInvalidArgument:       "InvalidArgument",
	ErrPermissionDenied:      "PermissionDenied",
}

// String returns the taxonomy name of the code.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// NewError creates a ResourceError with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *ResourceError {
	return &ResourceError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a ResourceError with the given code around a cause.
func WrapError(code ErrorCode, err error, format string, args ...any) *ResourceError {
	return &ResourceError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost ResourceError in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var re *ResourceError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

// IsLoadError reports whether err belongs to the plugin load failure family.
func IsLoadError(err error) bool {
	c, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch c {
	case ErrModuleNotFound, ErrIncompatibleVersion, ErrFactoryFailed, ErrDelayLoadFailed:
		return true
	}
	return false
}

// Annotate attaches object path, hierarchy and operation context to err.
//
// The code of a ResourceError is preserved and only empty context fields are
// filled in. When the ResourceError sits below other wrapping, the result
// wraps err whole so the outer messages are kept. Any other error becomes an
// ErrPlugin wrapping the original.
func Annotate(err error, path, hier, op string) error {
	if err == nil {
		return nil
	}

	var re *ResourceError
	if !errors.As(err, &re) {
		return &ResourceError{
			Code:      ErrPlugin,
			Message:   "backend operation failed",
			Path:      path,
			Hierarchy: hier,
			Operation: op,
			Err:       err,
		}
	}

	annotated := *re
	if annotated.Path == "" {
		annotated.Path = path
	}
	if annotated.Hierarchy == "" {
		annotated.Hierarchy = hier
	}
	if annotated.Operation == "" {
		annotated.Operation = op
	}
	if err != error(re) {
		annotated.Message = ""
		annotated.Err = err
	}
	return &annotated
}
