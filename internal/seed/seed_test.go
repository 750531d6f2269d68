package seed

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Simplici0/printworks/internal/db"
	"github.com/Simplici0/printworks/internal/migrations"
)

func TestRunIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "seed-test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	defer database.Close()

	if err := migrations.Up(database); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	cfg := Config{Printers: true}

	// rate config + 7 materials + 9 profiles + 4 steps + 2 shipping rates + 6 printers
	const firstRunInserts = 29

	for i := 0; i < 10; i++ {
		stats, err := Run(database, cfg)
		if err != nil {
			t.Fatalf("run seed (iteration=%d): %v", i, err)
		}
		if i == 0 {
			if stats.Inserts != firstRunInserts {
				t.Fatalf("expected %d inserts in first run, got %d", firstRunInserts, stats.Inserts)
			}
			continue
		}
		if stats.Inserts != 0 {
			t.Fatalf("expected 0 inserts in iteration %d, got %d", i, stats.Inserts)
		}
	}

	assertCount(t, database, `SELECT COUNT(*) FROM rate_config WHERE id = 1`, nil, 1)
	assertCount(t, database, `SELECT COUNT(*) FROM materials WHERE code = ?`, "PLA", 1)
	assertCount(t, database, `SELECT COUNT(*) FROM print_profiles WHERE material_id = ?`, "pla", 3)
	assertCount(t, database, `SELECT COUNT(*) FROM post_process_steps`, nil, 4)
	assertCount(t, database, `SELECT COUNT(*) FROM shipping_rates WHERE scope = ? AND country = ?`, []any{"DOMESTIC", "India"}, 1)
	assertCount(t, database, `SELECT COUNT(*) FROM printers WHERE status = ?`, "IDLE", 6)
}

func TestRunWithoutFleetLeavesPrintersEmpty(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "seed-nofleet.db"))
	if err != nil {
		t.Fatalf("open sqlite database: %v", err)
	}
	defer database.Close()

	if err := migrations.Up(database); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if _, err := Run(database, Config{DomesticCountry: "Nepal"}); err != nil {
		t.Fatalf("run seed: %v", err)
	}

	assertCount(t, database, `SELECT COUNT(*) FROM printers`, nil, 0)
	assertCount(t, database, `SELECT COUNT(*) FROM shipping_rates WHERE country = ?`, "Nepal", 1)
}

func assertCount(t *testing.T, database *sql.DB, query string, args any, expected int) {
	t.Helper()

	var count int
	var err error
	switch v := args.(type) {
	case nil:
		err = database.QueryRow(query).Scan(&count)
	case []any:
		err = database.QueryRow(query, v...).Scan(&count)
	default:
		err = database.QueryRow(query, v).Scan(&count)
	}
	if err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if count != expected {
		t.Fatalf("expected count %d, got %d", expected, count)
	}
}
