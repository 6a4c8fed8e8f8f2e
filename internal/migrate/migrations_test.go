package migrate_test

import (
	"testing"

	"hiveline/internal/db"
	"hiveline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if v, err := migrate.Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh version = %d, %v", v, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	first, err := migrate.Version(conn)
	if err != nil || first < 2 {
		t.Fatalf("version after migrate = %d, %v", first, err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if again, _ := migrate.Version(conn); again != first {
		t.Fatalf("version changed on re-run: %d -> %d", first, again)
	}
	for _, table := range []string{"jobs", "simulations", "commuters", "route_results", "delay_profiles", "street_edges", "equilibrium_runs", "events"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}
