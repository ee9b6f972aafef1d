package migrate

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := fs.Glob(Embedded(), "migrations/*_"+suffix+".sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one %s migration, found %d", suffix, len(matches))
	}
	data, err := fs.ReadFile(Embedded(), matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks ...string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	if err := ValidateEmbedded(); err != nil {
		t.Fatalf("embedded migrations invalid: %v", err)
	}
}

func TestScoreBalancesMigrationGuardsBalance(t *testing.T) {
	assertContains(t, readMigration(t, "create_score_balances"),
		"CREATE TABLE IF NOT EXISTS score_balances",
		"CHECK (balance >= 0)",
		"CREATE TABLE IF NOT EXISTS ledger_entries",
		"DROP TABLE IF EXISTS score_balances",
	)
}

func TestDistributionEventsMigrationConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_distribution_events"),
		"CHECK (total_pool >= participant_count)",
		"CHECK (amount >= 1)",
		"CONSTRAINT uq_event_claims_event_user UNIQUE (event_id, user_id)",
		"PRIMARY KEY (event_id, position)",
		"DROP TABLE IF EXISTS event_claims",
	)
}

func TestTokensMigrationConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_tokens"),
		"code        VARCHAR(32) PRIMARY KEY",
		"CHECK (used = (redeemed_by IS NOT NULL))",
		"DROP TABLE IF EXISTS tokens",
	)
}

func TestValidateFSRejectsBadFiles(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {
			"m/create.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"missing down": {
			"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n")},
		},
		"duplicate version": {
			"m/20260101000000_a.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
			"m/20260101000000_b.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
	}
	for name, fsys := range cases {
		t.Run(name, func(t *testing.T) {
			if err := ValidateFS(fsys, "m"); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCreateSQLMigration(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC)

	path, err := CreateSQLMigration(dir, "Add Token Notes!", now)
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if filepath.Base(path) != "20260504030201_add_token_notes.sql" {
		t.Fatalf("unexpected filename %s", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read created file: %v", err)
	}
	assertContains(t, string(data), "-- +goose Up", "-- rollback add_token_notes")

	if _, err := CreateSQLMigration(dir, "add token notes", now); err == nil {
		t.Fatal("expected duplicate create to fail")
	}
	if _, err := CreateSQLMigration(dir, "!!!", now); err == nil {
		t.Fatal("expected empty sanitized name to fail")
	}
}
