package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// defaultBookTTL keeps cached books short-lived; they only serve the status
// channel and the API between intent preparations.
const defaultBookTTL = 30 * time.Second

// BookCache implements domain.BookCache by storing JSON-encoded books under
// "titan:book:{SYMBOL}" with a TTL.
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A zero ttl uses defaultBookTTL.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = defaultBookTTL
	}
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(symbol string) string {
	return keyPrefix + "book:" + strings.ToUpper(symbol)
}

// SetBook stores the snapshot, replacing any previous one.
func (bc *BookCache) SetBook(ctx context.Context, book domain.OrderBook) error {
	data, err := json.Marshal(book)
	if err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.Symbol, err)
	}
	if err := bc.rdb.Set(ctx, bookKey(book.Symbol), data, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book %s: %w", book.Symbol, err)
	}
	return nil
}

// GetBook returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) GetBook(ctx context.Context, symbol string) (domain.OrderBook, error) {
	data, err := bc.rdb.Get(ctx, bookKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.OrderBook{}, fmt.Errorf("redis: get book %s: %w", symbol, domain.ErrNotFound)
		}
		return domain.OrderBook{}, fmt.Errorf("redis: get book %s: %w", symbol, err)
	}
	var book domain.OrderBook
	if err := json.Unmarshal(data, &book); err != nil {
		return domain.OrderBook{}, fmt.Errorf("redis: decode book %s: %w", symbol, err)
	}
	return book, nil
}

var _ domain.BookCache = (*BookCache)(nil)
