package store

import (
	"context"
	"errors"
	"os"
	"testing"
)

// Tests in this file run against a disposable Postgres named by
// ATTENDGUARD_TEST_DATABASE_URL and are skipped otherwise.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("ATTENDGUARD_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ATTENDGUARD_TEST_DATABASE_URL not set")
	}
	db, err := NewDB(context.Background(), url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db.Client); err != nil {
			t.Fatalf("migrate #%d: %v", i+1, err)
		}
	}
}

func TestRunInTx_RollsBack(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db.Client); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := RunInTx(ctx, db.Client, nil, func(ctx context.Context, tx DBTX) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO users (user_id, role) VALUES ('tx-rollback', 'student')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	var n int
	if err := db.Client.QueryRowContext(ctx, `SELECT count(*) FROM users WHERE user_id = 'tx-rollback'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatal("insert survived rollback")
	}
}

func TestActiveRecordIndex(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db.Client); err != nil {
		t.Fatal(err)
	}
	_, _ = db.Client.ExecContext(ctx, `DELETE FROM attendance_records WHERE session_token_id = 'idx-test'`)
	insert := `INSERT INTO attendance_records (id, user_id, session_token_id, actor_id, check_in_at, status)
		VALUES ($1, 'u', 'idx-test', 'u', now(), $2)`
	for _, row := range [][2]string{{"r1", "rejected"}, {"r2", "rejected"}, {"r3", "present"}} {
		if _, err := db.Client.ExecContext(ctx, insert, row[0], row[1]); err != nil {
			t.Fatalf("insert %s: %v", row[0], err)
		}
	}
	if _, err := db.Client.ExecContext(ctx, insert, "r4", "present"); err == nil {
		t.Fatal("second present record accepted")
	}
}
