package index

import (
	"context"
	"fmt"
	"strconv"

	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisSorter keeps one sorted set per denom so several query replicas share
// the ordering.
//
// Key schema:
//
//	cdp:sorted:{denom} - sorted set of owners (score = nominal ICR / 1e18)
//
// Scores are float64: hints taken from here can be off near ties, the core
// rejects those and the caller asks again.
type RedisSorter struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisSorter(rdb *redis.Client, prefix string) *RedisSorter {
	if prefix == "" {
		prefix = "cdp"
	}
	return &RedisSorter{rdb: rdb, prefix: prefix}
}

func (s *RedisSorter) key(denom string) string {
	return s.prefix + ":sorted:" + denom
}

// Score converts a 1e18-scaled nominal ICR to the sorted-set score.
func Score(nicr *uint256.Int) float64 {
	return decimal.NewFromBigInt(nicr.ToBig(), -18).InexactFloat64()
}

func (s *RedisSorter) Upsert(ctx context.Context, denom, owner string, nicr *uint256.Int) error {
	if err := s.rdb.ZAdd(ctx, s.key(denom), redis.Z{Score: Score(nicr), Member: owner}).Err(); err != nil {
		return fmt.Errorf("redis: upsert %s/%s: %w", denom, owner, err)
	}
	return nil
}

func (s *RedisSorter) Remove(ctx context.Context, denom, owner string) error {
	if err := s.rdb.ZRem(ctx, s.key(denom), owner).Err(); err != nil {
		return fmt.Errorf("redis: remove %s/%s: %w", denom, owner, err)
	}
	return nil
}

func (s *RedisSorter) Neighbors(ctx context.Context, denom, owner string, nicr *uint256.Int) (Hint, error) {
	score := strconv.FormatFloat(Score(nicr), 'g', -1, 64)
	key := s.key(denom)

	// Two of each side so owner itself can be skipped.
	pipe := s.rdb.Pipeline()
	prevCmd := pipe.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{Max: "(" + score, Min: "-inf", Count: 2})
	nextCmd := pipe.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: "+inf", Count: 2})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Hint{}, fmt.Errorf("redis: neighbors %s: %w", denom, err)
	}

	var hint Hint
	hint.Prev = firstOther(prevCmd.Val(), owner)
	hint.Next = firstOther(nextCmd.Val(), owner)
	return hint, nil
}

func firstOther(members []string, owner string) string {
	for _, m := range members {
		if m != owner {
			return m
		}
	}
	return ""
}

func (s *RedisSorter) Ascending(ctx context.Context, denom string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	owners, err := s.rdb.ZRange(ctx, s.key(denom), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: ascending %s: %w", denom, err)
	}
	return owners, nil
}

func (s *RedisSorter) Len(ctx context.Context, denom string) (int, error) {
	n, err := s.rdb.ZCard(ctx, s.key(denom)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: len %s: %w", denom, err)
	}
	return int(n), nil
}

func (s *RedisSorter) Reset(ctx context.Context, denom string) error {
	if err := s.rdb.Del(ctx, s.key(denom)).Err(); err != nil {
		return fmt.Errorf("redis: reset %s: %w", denom, err)
	}
	return nil
}
