//go:build integration

package badger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/marmos91/stratafs/pkg/config"
	"github.com/marmos91/stratafs/pkg/dispatch"
	"github.com/marmos91/stratafs/pkg/fco"
	"github.com/marmos91/stratafs/pkg/plugin"
	"github.com/marmos91/stratafs/pkg/replica"
)

const logical = "/tempZone/home/rods/report.txt"

// newConfig builds a single-vault topology on a BadgerDB catalog.
func newConfig(t *testing.T, dbPath, vault string) *config.Config {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Hostname:        "server1",
			Zone:            "tempZone",
			DefaultResource: "demoResc",
		},
		Catalog: config.CatalogConfig{
			Type:   "badger",
			Badger: map[string]any{"db_path": dbPath},
		},
		Resources: []config.ResourceConfig{
			{ID: 1, Name: "demoResc", Type: "unixfilesystem", VaultPath: vault},
		},
	}
	config.ApplyDefaults(cfg)
	cfg.Logging.Level = "ERROR"
	return cfg
}

// TestBadgerCatalogRuntime_Integration runs the engine on a BadgerDB catalog.
//
// Prerequisites:
//   - None (BadgerDB is embedded, no external services needed)
//   - Run with: go test -tags=integration ./test/integration/badger/...
//
// These tests verify that:
//   - The configured topology is stored in and reloaded from the catalog
//   - Replica states written through the dispatcher survive a restart
//   - A write open against a replica under write is refused
func TestBadgerCatalogRuntime_Integration(t *testing.T) {
	ctx := context.Background()
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "catalog.db")
	vault := filepath.Join(tempDir, "vault")

	// ========================================================================
	// Test: Write an object and close it
	// ========================================================================

	t.Run("WriteAndClose", func(t *testing.T) {
		rt, err := config.NewRuntime(ctx, newConfig(t, dbPath, vault), config.RuntimeOptions{})
		if err != nil {
			t.Fatalf("Failed to build runtime: %v", err)
		}
		defer func() {
			if err := rt.Close(ctx); err != nil {
				t.Errorf("Failed to close runtime: %v", err)
			}
		}()

		if err := rt.Start(ctx); err != nil {
			t.Fatalf("Failed to start resources: %v", err)
		}

		sess := dispatch.NewSession("")
		obj := fco.NewDataObject(logical, "")
		fd, err := rt.Dispatcher.Create(ctx, sess, obj, dispatch.DefaultMode)
		if err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if obj.Hier != "demoResc" {
			t.Fatalf("Expected hierarchy demoResc, got %q", obj.Hier)
		}

		// A second writer must lose while the first is open
		other := dispatch.NewSession("")
		_, err = rt.Dispatcher.Open(ctx, other, fco.NewDataObject(logical, "demoResc"), plugin.FlagWriteOnly)
		if err == nil {
			t.Fatal("Expected concurrent write open to fail")
		}

		if _, err := rt.Dispatcher.Write(ctx, sess, fd, []byte("quarterly numbers")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := rt.Dispatcher.Close(ctx, sess, fd); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	})

	// ========================================================================
	// Test: State survives a restart
	// ========================================================================

	t.Run("PersistsAcrossRestart", func(t *testing.T) {
		rt, err := config.NewRuntime(ctx, newConfig(t, dbPath, vault), config.RuntimeOptions{})
		if err != nil {
			t.Fatalf("Failed to reopen runtime: %v", err)
		}
		defer func() { _ = rt.Close(ctx) }()

		if rt.Registry.Count() != 1 {
			t.Fatalf("Expected 1 resource, got %d", rt.Registry.Count())
		}
		id, err := rt.Registry.HierToLeafID("demoResc")
		if err != nil || id != 1 {
			t.Fatalf("Expected leaf id 1, got %d (%v)", id, err)
		}

		replicas, err := rt.Catalog.Replicas(ctx, logical)
		if err != nil {
			t.Fatalf("Failed to read replicas: %v", err)
		}
		if len(replicas) != 1 {
			t.Fatalf("Expected 1 replica, got %d", len(replicas))
		}
		if replicas[0].State != replica.StateGood {
			t.Errorf("Expected replica to be good, got %s", replicas[0].State)
		}
		if replicas[0].Size != int64(len("quarterly numbers")) {
			t.Errorf("Expected size %d, got %d", len("quarterly numbers"), replicas[0].Size)
		}

		sess := dispatch.NewSession("")
		fd, err := rt.Dispatcher.Open(ctx, sess, fco.NewDataObject(logical, ""), plugin.FlagReadOnly)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		data, err := rt.Dispatcher.Read(ctx, sess, fd, 64)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(data) != "quarterly numbers" {
			t.Errorf("Expected %q, got %q", "quarterly numbers", data)
		}
		if err := rt.Dispatcher.Close(ctx, sess, fd); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	})
}
