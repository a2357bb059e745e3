package badger

import "fmt"

// Key layout
//
// Prefix   Key format               Value
// rsc:     rsc:<id, 20 digits>      resource.Descriptor (JSON)
// rscn:    rscn:<name>              id (decimal)
// rpl:     rpl:<logical path>       []replica.Replica (JSON)
// acl:     acl:<path>\x00<user>     permission level (decimal)
//
// Ids are zero padded so a prefix scan over rsc: returns resources in id order.
const (
	prefixResource     = "rsc:"
	prefixResourceName = "rscn:"
	prefixReplicas     = "rpl:"
	prefixACL          = "acl:"
)

func keyResource(id int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixResource, id))
}

func keyResourceName(name string) []byte {
	return []byte(prefixResourceName + name)
}

func keyReplicas(logicalPath string) []byte {
	return []byte(prefixReplicas + logicalPath)
}

func keyACL(logicalPath, user string) []byte {
	return []byte(prefixACL + logicalPath + "\x00" + user)
}
