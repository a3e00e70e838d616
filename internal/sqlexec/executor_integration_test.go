//go:build integration

package sqlexec_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"sqlassist/internal/database"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/sqlexec"
)

const seedSQL = `
CREATE TABLE customers (customer_id SERIAL PRIMARY KEY, name TEXT NOT NULL, customer_tier TEXT NOT NULL);
CREATE TABLE orders (order_id SERIAL PRIMARY KEY, customer_id INT REFERENCES customers, status TEXT NOT NULL, total_amount NUMERIC(12,2) NOT NULL);
CREATE SEQUENCE audit_seq;
INSERT INTO customers (name, customer_tier) VALUES ('Globex Corp', 'platinum'), ('Initech', 'gold'), ('Hooli', 'silver');
INSERT INTO orders (customer_id, status, total_amount) VALUES
  (1, 'completed', 1200.50), (1, 'completed', 800.25), (2, 'completed', 950.00),
  (2, 'cancelled', 5000.00), (3, 'completed', 120.10);
`

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("shop"),
		tcPostgres.WithUsername("analyst"),
		tcPostgres.WithPassword("analyst"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://analyst:analyst@%s:%s/shop?sslmode=disable", host, port.Port())

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open seed connection: %v", err)
	}
	defer db.Close()
	deadline := time.Now().Add(30 * time.Second)
	for {
		if err = db.PingContext(ctx); err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	if _, err := db.ExecContext(ctx, seedSQL); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return dsn
}

func TestExecutorAgainstPostgres(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	pool, err := database.Open(ctx, database.Config{Driver: "pgx", DSN: dsn, Size: 2, AcquireTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()
	exec := sqlexec.NewExecutor(pool, sqlexec.WithMaxRows(2), sqlexec.WithStatementTimeout(time.Second))

	t.Run("top customers", func(t *testing.T) {
		res, err := exec.Execute(ctx, `SELECT c.name, SUM(o.total_amount) AS total_revenue
FROM customers c JOIN orders o ON o.customer_id = c.customer_id
WHERE o.status = 'completed'
GROUP BY c.name ORDER BY total_revenue DESC`)
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
		if len(res.Rows) != 2 || !res.Truncated {
			t.Fatalf("expected 2 truncated rows, got %+v", res)
		}
		if res.Rows[0][0] != "Globex Corp" || res.Rows[0][1] != 2000.75 {
			t.Fatalf("unexpected top row %v", res.Rows[0])
		}
	})

	t.Run("write rejected before reaching the database", func(t *testing.T) {
		_, err := exec.Execute(ctx, "DELETE FROM orders")
		if !xerrors.IsCode(err, xerrors.CodeReadOnlyViolation) {
			t.Fatalf("expected read-only violation, got %v", err)
		}
	})

	t.Run("side effects blocked by read-only transaction", func(t *testing.T) {
		_, err := exec.Execute(ctx, "SELECT nextval('audit_seq')")
		if !xerrors.IsCode(err, xerrors.CodeStatementFailed) {
			t.Fatalf("expected statement failure, got %v", err)
		}
	})

	t.Run("statement timeout", func(t *testing.T) {
		_, err := exec.Execute(ctx, "SELECT pg_sleep(5)")
		if !xerrors.IsCode(err, xerrors.CodeStatementFailed) {
			t.Fatalf("expected statement failure on timeout, got %v", err)
		}
	})

	t.Run("pool exhaustion", func(t *testing.T) {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			exhausted int
		)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := exec.Execute(ctx, "SELECT pg_sleep(0.6)")
				if xerrors.IsCode(err, xerrors.CodePoolExhausted) {
					mu.Lock()
					exhausted++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if exhausted != 1 {
			t.Fatalf("expected exactly one exhausted caller, got %d", exhausted)
		}
		if stats := pool.Stats(); stats.InUse != 0 {
			t.Fatalf("connections leaked: %+v", stats)
		}
	})
}
