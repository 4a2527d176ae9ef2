// Package testutil holds shared fixtures for package tests: a throwaway
// Postgres with migrations applied, a standard core configuration and
// command builders.
package testutil

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/index"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/state"
	"CDPLedger/internal/valuation"
	"CDPLedger/migrations"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	Stable = "ucdp"
	Atom   = "uatom"
	Unit   = uint64(1_000_000)

	Admin  = "bridge"
	Oracle = "oracle"

	BaseTimestamp int64 = 1_700_000_000_000_000
)

// TestPostgresDSN returns the DSN for integration tests, if configured.
func TestPostgresDSN() (string, bool) {
	dsn := os.Getenv("CDP_TEST_POSTGRES_URL")
	return dsn, dsn != ""
}

// TestRedisAddr returns the Redis address for integration tests, if configured.
func TestRedisAddr() (string, bool) {
	addr := os.Getenv("CDP_TEST_REDIS_ADDR")
	return addr, addr != ""
}

// SetupTestDB connects to the test Postgres, applies migrations and
// truncates every table. Skips when no database is configured.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dsn, ok := TestPostgresDSN()
	if !ok {
		t.Skip("CDP_TEST_POSTGRES_URL not set")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("test postgres not available: %v", err)
	}
	if err := persistence.NewMigratorFS(db, migrations.FS).Up(ctx); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}

	truncate := func() {
		for _, table := range []string{
			"event_log.events",
			"event_log.journal",
			"event_log.snapshots",
			"projection.positions",
			"projection.deposits",
			"projection.balances",
			"projection.prices",
			"projection.pool",
			"projection.liquidations",
			"projection.redemptions",
			"projection.watermark",
		} {
			if _, err := db.Exec(fmt.Sprintf("TRUNCATE %s CASCADE", table)); err != nil {
				t.Logf("truncate %s: %v", table, err)
			}
		}
	}
	truncate()
	t.Cleanup(func() {
		truncate()
		db.Close()
	})
	return db
}

// MigrationsDir finds migrations/ by walking up from the test's directory.
func MigrationsDir(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("go.mod not found above test directory")
		}
		dir = parent
	}
}

// RequireIntegration skips the test if not running integration tests.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") == "" {
		t.Skip("skipping integration test (set INTEGRATION_TEST=1 to run)")
	}
}

// CoreConfig is one 6-decimal collateral priced with exponent 6, default
// protocol parameters, and the Admin and Oracle callers.
func CoreConfig() core.Config {
	return core.Config{
		Stable:      Stable,
		Collaterals: []valuation.Collateral{{Denom: Atom, Decimals: 6, PriceExponent: 6}},
		Params:      state.DefaultProtocolParams,
		MaxPriceAge: time.Hour,
		Admins:      []string{Admin},
		Oracles:     []string{Oracle},
	}
}

// NewCore builds a core on CoreConfig emitting to the given channels.
func NewCore(t *testing.T, persist, projection chan<- core.CoreOutput) *core.DeterministicCore {
	t.Helper()
	c, err := core.NewDeterministicCore(CoreConfig(), persist, projection, nil, nil)
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}
	return c
}

// Commands builds commands with fresh ids and a strictly increasing
// timestamp.
type Commands struct {
	ts       int64
	priceSeq int64
}

func NewCommands() *Commands {
	return &Commands{ts: BaseTimestamp}
}

// Now is the timestamp of the last command built.
func (c *Commands) Now() int64 { return c.ts }

// Tick advances the clock by one microsecond, for services that stamp
// commands themselves.
func (c *Commands) Tick() time.Time {
	c.ts++
	return time.UnixMicro(c.ts)
}

func (c *Commands) Meta(caller string) event.Meta {
	c.ts++
	return event.Meta{CommandID: uuid.New(), Caller: caller, Timestamp: c.ts}
}

// AtomPrice prices Atom in whole dollars.
func (c *Commands) AtomPrice(dollars uint64) *event.PriceUpdate {
	m := c.Meta(Oracle)
	c.priceSeq++
	m.SourceSeq = c.priceSeq
	return &event.PriceUpdate{Meta: m, Denom: Atom, Price: dollars * Unit, Exponent: 6, Confidence: 1, PublishedAt: m.Timestamp}
}

func (c *Commands) Fund(owner, asset string, amount uint64) *event.FundsDeposited {
	return &event.FundsDeposited{Meta: c.Meta(Admin), Owner: owner, Asset: asset, Amount: amount}
}

// Open borrows loan whole stable against atoms whole Atom.
func (c *Commands) Open(owner string, atoms, loan uint64, hint index.Hint) *event.OpenPosition {
	return &event.OpenPosition{
		Meta:       c.Meta(owner),
		Owner:      owner,
		Denom:      Atom,
		Collateral: atoms * Unit,
		Loan:       loan * Unit,
		Hint:       hint,
	}
}

func (c *Commands) Stake(staker string, amount uint64) *event.Stake {
	return &event.Stake{Meta: c.Meta(staker), Staker: staker, Amount: amount * Unit}
}

func (c *Commands) Liquidate(target string) *event.Liquidate {
	return &event.Liquidate{Meta: c.Meta("keeper"), Denom: Atom, Target: target}
}

// Apply runs commands on c and fails the test on the first rejection.
func Apply(t *testing.T, c *core.DeterministicCore, cmds ...event.Event) []*core.Receipt {
	t.Helper()
	receipts := make([]*core.Receipt, 0, len(cmds))
	for _, cmd := range cmds {
		r, err := c.ProcessEvent(cmd)
		if err != nil {
			t.Fatalf("%s rejected: %v", cmd.EventType(), err)
		}
		receipts = append(receipts, r)
	}
	return receipts
}
