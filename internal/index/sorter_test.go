package index_test

import (
	"CDPLedger/internal/index"
	"context"
	"os"
	"testing"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
)

func nicr(v uint64) *uint256.Int {
	// v percent, as collateral*1e18/debt.
	return new(uint256.Int).Mul(uint256.NewInt(v), uint256.NewInt(10_000_000_000_000_000))
}

func exerciseSorter(t *testing.T, s index.Sorter) {
	t.Helper()
	ctx := context.Background()

	for owner, v := range map[string]uint64{"a": 120, "b": 150, "c": 300} {
		if err := s.Upsert(ctx, "SOL", owner, nicr(v)); err != nil {
			t.Fatalf("upsert %s: %v", owner, err)
		}
	}
	if err := s.Upsert(ctx, "ETH", "z", nicr(100)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Ascending(ctx, "SOL", 10)
	if err != nil {
		t.Fatalf("ascending: %v", err)
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("ascending: got %v", got)
	}

	hint, err := s.Neighbors(ctx, "SOL", "new", nicr(200))
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if hint.Prev != "b" || hint.Next != "c" {
		t.Errorf("neighbors: got %+v, want b/c", hint)
	}

	// Moving b to the top: its own entry never shows up as a neighbour.
	hint, err = s.Neighbors(ctx, "SOL", "b", nicr(150))
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if hint.Prev != "a" || hint.Next != "c" {
		t.Errorf("self-excluding neighbors: got %+v, want a/c", hint)
	}

	if err := s.Upsert(ctx, "SOL", "b", nicr(500)); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = s.Ascending(ctx, "SOL", 10)
	if len(got) != 3 || got[2] != "b" {
		t.Errorf("after move: got %v", got)
	}

	if err := s.Remove(ctx, "SOL", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if n, _ := s.Len(ctx, "SOL"); n != 2 {
		t.Errorf("len: got %d, want 2", n)
	}

	hint, _ = s.Neighbors(ctx, "SOL", "new", nicr(100))
	if hint.Prev != "" || hint.Next != "c" {
		t.Errorf("head neighbors: got %+v", hint)
	}

	limited, _ := s.Ascending(ctx, "SOL", 1)
	if len(limited) != 1 || limited[0] != "c" {
		t.Errorf("limit: got %v", limited)
	}

	if err := s.Reset(ctx, "SOL"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := s.Len(ctx, "SOL"); n != 0 {
		t.Errorf("len after reset: got %d", n)
	}
	if n, _ := s.Len(ctx, "ETH"); n != 1 {
		t.Errorf("reset touched another denom: len %d", n)
	}
}

func TestMemorySorter(t *testing.T) {
	exerciseSorter(t, index.NewMemorySorter())
}

func TestRedisSorter(t *testing.T) {
	addr := os.Getenv("CDP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CDP_TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	prefix := "cdptest:" + t.Name()
	ctx := context.Background()
	t.Cleanup(func() {
		rdb.Del(ctx, prefix+":sorted:SOL", prefix+":sorted:ETH")
	})

	exerciseSorter(t, index.NewRedisSorter(rdb, prefix))
}
