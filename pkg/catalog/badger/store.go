// Package badger provides a persistent Catalog on top of BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/stratafs/internal/logger"
	"github.com/marmos91/stratafs/pkg/catalog"
	"github.com/marmos91/stratafs/pkg/replica"
	"github.com/marmos91/stratafs/pkg/resource"
)

// maxConflictRetries bounds how often a conflicting replica update is rerun.
const maxConflictRetries = 32

// Config configures the BadgerDB catalog.
type Config struct {
	// DBPath is the directory BadgerDB stores its files in
	DBPath string `mapstructure:"db_path" validate:"required"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 32)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`

	// SyncWrites makes every commit durable before it returns
	SyncWrites bool `mapstructure:"sync_writes"`
}

// Catalog implements catalog.Catalog with BadgerDB.
//
// Replica updates run in read-write transactions. When two updates of the same
// logical path overlap, Badger rejects the later commit with ErrConflict and
// the update is rerun against the committed state.
type Catalog struct {
	db *badger.DB
}

var _ catalog.Catalog = (*Catalog)(nil)

// New opens (or creates) the catalog at config.DBPath.
func New(ctx context.Context, config Config) (*Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.DBPath == "" {
		return nil, fmt.Errorf("badger catalog: db_path is required")
	}

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}

	opts := badger.DefaultOptions(config.DBPath).
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithSyncWrites(config.SyncWrites).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	logger.Debug("Opened badger catalog at %s", config.DBPath)
	return &Catalog{db: db}, nil
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getInt(txn *badger.Txn, key []byte) (int64, bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		var perr error
		n, perr = strconv.ParseInt(string(val), 10, 64)
		return perr
	})
	return n, true, err
}

func setInt(txn *badger.Txn, key []byte, n int64) error {
	return txn.Set(key, []byte(strconv.FormatInt(n, 10)))
}

func (c *Catalog) Resources(ctx context.Context) ([]*resource.Descriptor, error) {
	var out []*resource.Descriptor
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte(prefixResource)})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var d resource.Descriptor
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &d)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, &d)
		}
		return nil
	})
	return out, err
}

func resourceByName(txn *badger.Txn, name string) (*resource.Descriptor, error) {
	id, ok, err := getInt(txn, keyResourceName(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "resource %q not found", name)
	}
	return resourceByID(txn, id)
}

func resourceByID(txn *badger.Txn, id int64) (*resource.Descriptor, error) {
	var d resource.Descriptor
	ok, err := getJSON(txn, keyResource(id), &d)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, resource.NewError(resource.ErrNotFound, "resource id %d not found", id)
	}
	return &d, nil
}

func (c *Catalog) ResourceByName(ctx context.Context, name string) (*resource.Descriptor, error) {
	var d *resource.Descriptor
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = resourceByName(txn, name)
		return err
	})
	return d, err
}

func (c *Catalog) ResourceByID(ctx context.Context, id int64) (*resource.Descriptor, error) {
	var d *resource.Descriptor
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = resourceByID(txn, id)
		return err
	})
	return d, err
}

func nextResourceID(txn *badger.Txn) (int64, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(prefixResource), Reverse: true})
	defer it.Close()

	// Reverse iteration needs a seek key past every id.
	it.Seek([]byte(prefixResource + "\xff"))
	if !it.Valid() {
		return 1, nil
	}
	key := string(it.Item().Key())
	id, err := strconv.ParseInt(key[len(prefixResource):], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt resource key %q: %w", key, err)
	}
	return id + 1, nil
}

func (c *Catalog) PutResource(ctx context.Context, d *resource.Descriptor) error {
	if err := catalog.ValidateDescriptor(d); err != nil {
		return err
	}

	stored := d.Clone()
	stored.Children = nil

	err := c.db.Update(func(txn *badger.Txn) error {
		existing, found, err := getInt(txn, keyResourceName(stored.Name))
		if err != nil {
			return err
		}
		if found && existing != stored.ID {
			if stored.ID != 0 {
				return resource.NewError(resource.ErrInvalidArgument,
					"resource name %q already used by id %d", stored.Name, existing)
			}
			stored.ID = existing
		}
		if stored.ID == 0 {
			if stored.ID, err = nextResourceID(txn); err != nil {
				return err
			}
		}

		if stored.ParentID != 0 {
			if _, err := resourceByID(txn, stored.ParentID); err != nil {
				return resource.WrapError(resource.ErrNotFound, err, "parent of %s", stored.Name)
			}
		}

		var old resource.Descriptor
		ok, err := getJSON(txn, keyResource(stored.ID), &old)
		if err != nil {
			return err
		}
		if ok && old.Name != stored.Name {
			if err := txn.Delete(keyResourceName(old.Name)); err != nil {
				return err
			}
		}

		if err := setJSON(txn, keyResource(stored.ID), stored); err != nil {
			return err
		}
		return setInt(txn, keyResourceName(stored.Name), stored.ID)
	})
	if err != nil {
		return err
	}
	d.ID = stored.ID
	return nil
}

func (c *Catalog) DeleteResource(ctx context.Context, name string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		d, err := resourceByName(txn, name)
		if err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte(prefixResource)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var child resource.Descriptor
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &child) }); err != nil {
				return err
			}
			if child.ParentID == d.ID {
				return resource.NewError(resource.ErrHierarchy, "resource %s still has child %s", name, child.Name)
			}
		}

		if err := txn.Delete(keyResource(d.ID)); err != nil {
			return err
		}
		return txn.Delete(keyResourceName(name))
	})
}

func (c *Catalog) Replicas(ctx context.Context, logicalPath string) ([]replica.Replica, error) {
	var replicas []replica.Replica
	err := c.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, keyReplicas(logicalPath), &replicas)
		return err
	})
	return replicas, err
}

// UpdateReplicas runs fn in a read-write transaction and retries on commit
// conflicts, so a losing writer re-evaluates fn against the winner's state.
func (c *Catalog) UpdateReplicas(ctx context.Context, logicalPath string, fn replica.UpdateFunc) error {
	key := keyReplicas(logicalPath)

	return c.updateWithRetry(ctx, logicalPath, func(txn *badger.Txn) error {
		current, err := getReplicas(txn, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		return putReplicas(txn, key, next)
	})
}

// MoveReplicas is UpdateReplicas over two paths in the same transaction.
func (c *Catalog) MoveReplicas(ctx context.Context, fromPath, toPath string, fn replica.MoveFunc) error {
	if fromPath == toPath {
		return resource.NewError(resource.ErrInvalidArgument, "cannot move replicas of %s onto itself", fromPath)
	}
	fromKey, toKey := keyReplicas(fromPath), keyReplicas(toPath)

	return c.updateWithRetry(ctx, fromPath, func(txn *badger.Txn) error {
		from, err := getReplicas(txn, fromKey)
		if err != nil {
			return err
		}
		to, err := getReplicas(txn, toKey)
		if err != nil {
			return err
		}
		nextFrom, nextTo, err := fn(from, to)
		if err != nil {
			return err
		}
		if err := putReplicas(txn, fromKey, nextFrom); err != nil {
			return err
		}
		return putReplicas(txn, toKey, nextTo)
	})
}

func (c *Catalog) updateWithRetry(ctx context.Context, logicalPath string, update func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.db.Update(update)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if attempt >= maxConflictRetries {
			return resource.WrapError(resource.ErrReplicaLocked, err,
				"replica update of %s kept conflicting", logicalPath)
		}
		logger.Debug("Replica update of %s conflicted, retrying (attempt %d)", logicalPath, attempt+1)
	}
}

func getReplicas(txn *badger.Txn, key []byte) ([]replica.Replica, error) {
	var replicas []replica.Replica
	if _, err := getJSON(txn, key, &replicas); err != nil {
		return nil, err
	}
	return replicas, nil
}

// putReplicas deletes the key for an empty list.
func putReplicas(txn *badger.Txn, key []byte, replicas []replica.Replica) error {
	if len(replicas) == 0 {
		return txn.Delete(key)
	}
	return setJSON(txn, key, replicas)
}

func (c *Catalog) CheckPermission(ctx context.Context, user, logicalPath string, required catalog.Permission) error {
	granted := false
	err := c.db.View(func(txn *badger.Txn) error {
		for _, p := range catalog.Ancestors(logicalPath) {
			level, ok, err := getInt(txn, keyACL(p, user))
			if err != nil {
				return err
			}
			if ok && catalog.Permission(level) >= required {
				granted = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !granted {
		return catalog.DeniedError(user, logicalPath, required)
	}
	return nil
}

func (c *Catalog) GrantPermission(ctx context.Context, user, logicalPath string, level catalog.Permission) error {
	key := keyACL(catalog.Ancestors(logicalPath)[0], user)
	return c.db.Update(func(txn *badger.Txn) error {
		if level == catalog.PermNone {
			return txn.Delete(key)
		}
		return setInt(txn, key, int64(level))
	})
}

func (c *Catalog) Healthcheck(ctx context.Context) error {
	if c.db.IsClosed() {
		return resource.NewError(resource.ErrInvalidArgument, "catalog is closed")
	}
	return c.db.View(func(txn *badger.Txn) error { return nil })
}

func (c *Catalog) Close() error {
	return c.db.Close()
}
