package migrations

import (
	"context"
	"database/sql"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"

	outbound "github.com/goliatone/go-outbound"
	_ "github.com/mattn/go-sqlite3"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}

	var postgresFound bool
	var sqliteFound bool
	for _, entry := range filesystems {
		matches, globErr := fs.Glob(entry.FS, "*.up.sql")
		if globErr != nil {
			t.Fatalf("glob %s: %v", entry.Dialect, globErr)
		}
		if len(matches) == 0 {
			t.Fatalf("expected %s migration files, got none", entry.Dialect)
		}
		switch entry.Dialect {
		case DialectPostgres:
			postgresFound = true
		case DialectSQLite:
			sqliteFound = true
		}
	}

	if !postgresFound {
		t.Fatalf("expected postgres filesystem")
	}
	if !sqliteFound {
		t.Fatalf("expected sqlite filesystem")
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	_, err := Register(context.Background(), func(_ context.Context, dialect string, _ string, _ fs.FS) error {
		calls = append(calls, dialect)
		return nil
	}, WithValidationTargets(DialectSQLite))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if len(calls) != 1 {
		t.Fatalf("expected 1 registration call, got %d", len(calls))
	}
	if calls[0] != DialectSQLite {
		t.Fatalf("expected sqlite registration, got %q", calls[0])
	}
}

func TestOutboundSchemaMigrationPair_ExistsForBothDialects(t *testing.T) {
	root := outbound.GetCoreMigrationsFS()
	paths := []string{
		"data/sql/migrations/20260301000000_outbound_schema.up.sql",
		"data/sql/migrations/20260301000000_outbound_schema.down.sql",
		"data/sql/migrations/sqlite/20260301000000_outbound_schema.up.sql",
		"data/sql/migrations/sqlite/20260301000000_outbound_schema.down.sql",
	}
	for _, migrationPath := range paths {
		content, err := fs.ReadFile(root, migrationPath)
		if err != nil {
			t.Fatalf("read migration %s: %v", migrationPath, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			t.Fatalf("expected migration %s to have SQL content", migrationPath)
		}
	}
}

func TestSQLiteOutboundSchemaMigration_ApplyAndRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", "file:migrations-outbound-schema?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	defer func() { _ = db.Close() }()

	root := outbound.GetCoreMigrationsFS()
	sqliteMigrations, err := fs.Sub(root, "data/sql/migrations/sqlite")
	if err != nil {
		t.Fatalf("resolve sqlite migrations: %v", err)
	}

	if err := execSQLMigration(
		context.Background(),
		db,
		sqliteMigrations,
		"20260301000000_outbound_schema.up.sql",
	); err != nil {
		t.Fatalf("apply schema migration up: %v", err)
	}

	requiredTables := []string{
		"outbound_outbox_messages",
		"outbound_messages",
		"outbound_message_events",
		"outbound_failed_webhooks",
		"outbound_channel_settings",
		"outbound_rate_limit_snapshots",
	}
	for _, tableName := range requiredTables {
		var count int
		if err := db.QueryRowContext(
			context.Background(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
			tableName,
		).Scan(&count); err != nil {
			t.Fatalf("query sqlite_master for %s: %v", tableName, err)
		}
		if count != 1 {
			t.Fatalf("expected table %s to exist after up migration", tableName)
		}
	}

	insertMessage := `
		INSERT INTO outbound_messages
			(id, tenant_id, contact_id, channel, direction, status, provider, provider_message_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(
		context.Background(),
		insertMessage,
		"msg_1", "tenant_1", "contact_1", "whatsapp", "outbound", "sent",
		"whatsapp_cloud", "wamid.1", "2026-03-01T00:00:00Z", "2026-03-01T00:00:00Z",
	); err != nil {
		t.Fatalf("insert message: %v", err)
	}

	insertEvent := `
		INSERT INTO outbound_message_events
			(id, message_id, event_type, provider, provider_event_id, raw, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt_1", "msg_1", "delivered", "whatsapp_cloud", "wamid.1:delivered", "{}", "2026-03-01T00:01:00Z",
	); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt_2", "msg_1", "delivered", "whatsapp_cloud", "wamid.1:delivered", "{}", "2026-03-01T00:02:00Z",
	); err == nil {
		t.Fatalf("expected duplicate provider event id to violate unique index")
	}

	// Events without a provider event id are not subject to the partial index.
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt_3", "msg_1", "sent", "whatsapp_cloud", "", "{}", "2026-03-01T00:03:00Z",
	); err != nil {
		t.Fatalf("insert event without provider event id: %v", err)
	}
	if _, err := db.ExecContext(
		context.Background(),
		insertEvent,
		"evt_4", "msg_1", "sent", "whatsapp_cloud", "", "{}", "2026-03-01T00:04:00Z",
	); err != nil {
		t.Fatalf("insert second event without provider event id: %v", err)
	}

	if err := execSQLMigration(
		context.Background(),
		db,
		sqliteMigrations,
		"20260301000000_outbound_schema.down.sql",
	); err != nil {
		t.Fatalf("apply schema migration down: %v", err)
	}

	var count int
	if err := db.QueryRowContext(
		context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`,
		"outbound_messages",
	).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master after down migration: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected outbound_messages to be dropped after down migration")
	}
}

func execSQLMigration(ctx context.Context, db *sql.DB, fsys fs.FS, filename string) error {
	content, err := fs.ReadFile(fsys, filepath.Clean(filename))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, string(content))
	return err
}
