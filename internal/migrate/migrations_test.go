package migrate

import (
	"testing"

	"gigline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version == 0 {
		t.Fatalf("schema_version still 0 after migrating")
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&again); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if again != version {
		t.Fatalf("version moved from %d to %d on a no-op run", version, again)
	}

	for _, table := range []string{"gigs", "users", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
