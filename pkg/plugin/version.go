package plugin

import (
	"fmt"

	"github.com/hashicorp/go-version"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/resource"
)

const (
	// APIVersion is the plugin API implemented by this loader.
	APIVersion = "2.0.0"

	// MinSupportedVersion is the oldest plugin API still accepted.
	MinSupportedVersion = "1.0.0"
)

var (
	apiVersion = version.Must(version.NewVersion(APIVersion))
	minVersion = version.Must(version.NewVersion(MinSupportedVersion))
)

// CheckVersion validates a module's version marker.
//
// Markers newer than APIVersion are rejected. Older markers down to
// MinSupportedVersion load with a warning, anything older is rejected.
func CheckVersion(typeTag, marker string) error {
	v, err := version.NewVersion(marker)
	if err != nil {
		return &resource.ResourceError{
			Code:    resource.ErrIncompatibleVersion,
			Message: fmt.Sprintf("module %s has an unreadable version marker %q", typeTag, marker),
			Err:     err,
		}
	}

	if v.GreaterThan(apiVersion) {
		return &resource.ResourceError{
			Code:    resource.ErrIncompatibleVersion,
			Message: fmt.Sprintf("module %s targets plugin API %s, newer than %s", typeTag, v, apiVersion),
		}
	}

	if v.LessThan(minVersion) {
		return &resource.ResourceError{
			Code:    resource.ErrIncompatibleVersion,
			Message: fmt.Sprintf("module %s targets plugin API %s, older than %s", typeTag, v, minVersion),
		}
	}

	if v.Segments()[0] < apiVersion.Segments()[0] {
		logger.Warn("Loading module %s built for legacy plugin API %s", typeTag, v)
	}
	return nil
}

func versionMarker(sym any) (string, bool) {
	switch v := sym.(type) {
	case string:
		return v, true
	case *string:
		if v == nil {
			return "", false
		}
		return *v, true
	case func() string:
		return v(), true
	}
	return "", false
}
