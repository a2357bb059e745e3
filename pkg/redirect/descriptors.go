package redirect

import (
	"github.com/marmos91/stratafs/pkg/backend"
)

// Entry is one open descriptor of a session.
type Entry struct {
	// Host is the peer serving the descriptor, empty when it is local
	Host string

	// Remote is the descriptor in the peer's session
	Remote int

	// Local is the dispatcher's own state for a local descriptor
	Local any
}

// IsRemote reports whether the descriptor lives on a peer.
func (e Entry) IsRemote() bool { return e.Host != "" }

// DescriptorTable hands out session-scoped descriptors and remembers how
// each one maps to a local open or a peer's descriptor. Safe for concurrent
// use.
type DescriptorTable struct {
	*backend.Descriptors[Entry]
}

// NewDescriptorTable creates an empty table.
func NewDescriptorTable() *DescriptorTable {
	return &DescriptorTable{Descriptors: backend.NewDescriptors[Entry]()}
}

// Translate returns the host and peer descriptor fd must be forwarded as.
// A local fd returns an empty host and fd unchanged.
func (t *DescriptorTable) Translate(fd int) (string, int, error) {
	e, err := t.Get(fd)
	if err != nil {
		return "", 0, err
	}
	if e.IsRemote() {
		return e.Host, e.Remote, nil
	}
	return "", fd, nil
}
