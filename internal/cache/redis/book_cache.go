package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/kortella/tidebot/internal/domain"
)

// BookCache implements domain.BookCache: the synchronizer publishes the top
// of each pair's book into a Redis hash so external consumers (dashboards,
// sibling processes) can read best prices without touching the live books.
//
// Key schema:
//
//	top:{tradingPair} - hash with fields "bid", "ask", "mid", "update_id"
type BookCache struct {
	rdb *redis.Client
}

// NewBookCache creates a BookCache backed by the given Client.
func NewBookCache(c *Client) *BookCache {
	return &BookCache{rdb: c.Underlying()}
}

func topKey(tradingPair string) string { return "top:" + tradingPair }

// PublishTop writes the best bid/ask and their midpoint for one pair.
func (bc *BookCache) PublishTop(ctx context.Context, tradingPair string, bestBid, bestAsk decimal.Decimal, updateID uint64) error {
	mid := bestBid.Add(bestAsk).Div(decimal.NewFromInt(2))
	err := bc.rdb.HSet(ctx, topKey(tradingPair),
		"bid", bestBid.String(),
		"ask", bestAsk.String(),
		"mid", mid.String(),
		"update_id", strconv.FormatUint(updateID, 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: publish top %s: %w", tradingPair, err)
	}
	return nil
}

// GetTop reads the last published best bid and ask for one pair. It returns
// domain.ErrNotFound when the pair has never been published.
func (bc *BookCache) GetTop(ctx context.Context, tradingPair string) (bestBid, bestAsk decimal.Decimal, err error) {
	vals, err := bc.rdb.HGetAll(ctx, topKey(tradingPair)).Result()
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("redis: get top %s: %w", tradingPair, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, decimal.Zero, domain.ErrNotFound
	}
	if bidStr, ok := vals["bid"]; ok {
		if bestBid, err = decimal.NewFromString(bidStr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("redis: parse top bid %s: %w", tradingPair, err)
		}
	}
	if askStr, ok := vals["ask"]; ok {
		if bestAsk, err = decimal.NewFromString(askStr); err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("redis: parse top ask %s: %w", tradingPair, err)
		}
	}
	return bestBid, bestAsk, nil
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
