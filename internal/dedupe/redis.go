package dedupe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "invoice-poster:live-invoices"

// RedisSet shares the live registry between hosts. Posted invoice numbers are
// added to a Redis set and read back as a Source on the next run.
type RedisSet struct {
	client *redis.Client
	key    string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisSet connects to Redis and checks the connection
func NewRedisSet(cfg RedisConfig) (*RedisSet, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisSetWithClient(client, cfg.Key), nil
}

// NewRedisSetWithClient wraps an existing client
func NewRedisSetWithClient(client *redis.Client, key string) *RedisSet {
	if key == "" {
		key = defaultRedisKey
	}
	return &RedisSet{client: client, key: key}
}

// InvoiceNumbers returns every invoice number recorded in the shared set
func (r *RedisSet) InvoiceNumbers(ctx context.Context) ([]string, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading live invoices from redis: %w", err)
	}
	return members, nil
}

// MarkPosted records a posted invoice number. Empty numbers are ignored.
func (r *RedisSet) MarkPosted(ctx context.Context, vendorInvoiceNo string) error {
	vendorInvoiceNo = strings.TrimSpace(vendorInvoiceNo)
	if vendorInvoiceNo == "" {
		return nil
	}
	if err := r.client.SAdd(ctx, r.key, vendorInvoiceNo).Err(); err != nil {
		return fmt.Errorf("recording live invoice in redis: %w", err)
	}
	return nil
}

// Close closes the Redis client
func (r *RedisSet) Close() error {
	return r.client.Close()
}
