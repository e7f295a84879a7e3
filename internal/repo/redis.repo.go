package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"storefront-checkout/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	intentKeyPrefix = "checkout:intent:"
	intentIndexKey  = "checkout:intents"
	ledgerKeyPrefix = "checkout:idem:"
)

// Redis-backed stores keep intents and the ledger across restarts. Per-key
// serialization of initiate and intent updates lives in the service process,
// so one instance should own a given store.

type redisIntentRepo struct {
	client *redis.Client
}

func NewRedisIntentRepo(client *redis.Client) IntentRepo {
	return &redisIntentRepo{client: client}
}

func (r *redisIntentRepo) Save(ctx context.Context, intent *domain.PaymentIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("marshal intent: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, intentKeyPrefix+intent.PaymentID, data, 0)
	pipe.SAdd(ctx, intentIndexKey, intent.PaymentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: save intent: %w", domain.ErrUpstream, err)
	}
	return nil
}

func (r *redisIntentRepo) FindByID(ctx context.Context, paymentID string) (*domain.PaymentIntent, error) {
	data, err := r.client.Get(ctx, intentKeyPrefix+paymentID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get intent: %w", domain.ErrUpstream, err)
	}

	var p domain.PaymentIntent
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode intent %s: %w", paymentID, err)
	}
	return &p, nil
}

func (r *redisIntentRepo) Delete(ctx context.Context, paymentID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, intentKeyPrefix+paymentID)
	pipe.SRem(ctx, intentIndexKey, paymentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: delete intent: %w", domain.ErrUpstream, err)
	}
	return nil
}

func (r *redisIntentRepo) List(ctx context.Context) ([]domain.PaymentIntent, error) {
	ids, err := r.client.SMembers(ctx, intentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list intents: %w", domain.ErrUpstream, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = intentKeyPrefix + id
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list intents: %w", domain.ErrUpstream, err)
	}

	intents := make([]domain.PaymentIntent, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		var p domain.PaymentIntent
		if err := json.Unmarshal([]byte(s), &p); err != nil {
			return nil, fmt.Errorf("decode intent: %w", err)
		}
		intents = append(intents, p)
	}

	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}

type redisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) IdempotencyLedger {
	return &redisLedger{client: client}
}

func (l *redisLedger) Get(ctx context.Context, key LedgerKey) (string, bool, error) {
	id, err := l.client.Get(ctx, ledgerKeyPrefix+key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: ledger get: %w", domain.ErrUpstream, err)
	}
	return id, true, nil
}

func (l *redisLedger) Put(ctx context.Context, key LedgerKey, paymentID string) error {
	if err := l.client.Set(ctx, ledgerKeyPrefix+key.String(), paymentID, 0).Err(); err != nil {
		return fmt.Errorf("%w: ledger put: %w", domain.ErrUpstream, err)
	}
	return nil
}

func (l *redisLedger) Delete(ctx context.Context, key LedgerKey) error {
	if err := l.client.Del(ctx, ledgerKeyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("%w: ledger delete: %w", domain.ErrUpstream, err)
	}
	return nil
}
