package dispatch

import (
	"github.com/google/uuid"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/redirect"
)

// Session is the state of one client connection.
//
// A session is driven by one request at a time. Its descriptor table is
// still safe for concurrent use so that a server can close it while a
// request is in flight.
type Session struct {
	// ID is a random identifier sent along with forwarded requests
	ID string

	// User is the authenticated client. An empty user is a privileged
	// internal session that skips permission checks.
	User string

	fds *redirect.DescriptorTable
}

// NewSession creates a session for user.
func NewSession(user string) *Session {
	return &Session{ID: uuid.NewString(), User: user, fds: redirect.NewDescriptorTable()}
}

// OpenDescriptors returns the number of open file and directory descriptors.
func (s *Session) OpenDescriptors() int {
	return s.fds.Len()
}

// openFile is the dispatcher state of a local file descriptor.
type openFile struct {
	obj   *fco.DataObject
	inst  *plugin.Instance
	fd    int
	write bool

	// written counts bytes written, used when the backend cannot stat
	written int64
}

// openDir is the dispatcher state of a local directory descriptor.
type openDir struct {
	coll *fco.Collection
	inst *plugin.Instance
	fd   int
}
