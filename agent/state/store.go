package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrStateNotFound     = errors.New("conversation checkpoint not found")
	ErrNilConversation   = errors.New("conversation is nil")
	ErrInvalidCustomerID = errors.New("customer id is empty")
)

const (
	defaultKeyPrefix = "loanpilot:conv:"
	defaultTTL       = 7 * 24 * time.Hour
)

// Store is the checkpoint contract used by the orchestrator. Writes for a
// given customer are already serialized by admission control, so
// overwrite-whole-record last-writer-wins semantics are sufficient.
type Store interface {
	Load(ctx context.Context, customerID string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	Reset(ctx context.Context, customerID string) error
}

type RedisConfig struct {
	Addr     string        `envconfig:"ADDR" split_words:"true"`
	Password string        `envconfig:"PASSWORD" split_words:"true"`
	DB       int           `envconfig:"DB" split_words:"true" default:"0"`
	Timeout  time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"5s"`
}

// RedisStore persists conversations as JSON values in Redis.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

type RedisStoreOption func(*RedisStore)

func WithRedisKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisStore) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			s.keyPrefix = trimmed
		}
	}
}

func WithRedisTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, opts ...RedisStoreOption) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	store := &RedisStore{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		ttl:       defaultTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

func (s *RedisStore) Load(ctx context.Context, customerID string) (*Conversation, error) {
	key, err := s.key(customerID)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeConversation(raw)
}

func (s *RedisStore) Save(ctx context.Context, conv *Conversation) error {
	payload, key, err := s.encode(conv)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Reset(ctx context.Context, customerID string) error {
	key, err := s.key(customerID)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(customerID string) (string, error) {
	if strings.TrimSpace(customerID) == "" {
		return "", ErrInvalidCustomerID
	}
	return s.keyPrefix + customerID, nil
}

func (s *RedisStore) encode(conv *Conversation) ([]byte, string, error) {
	if conv == nil {
		return nil, "", ErrNilConversation
	}
	key, err := s.key(conv.CustomerID)
	if err != nil {
		return nil, "", err
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(conv)
	if err != nil {
		return nil, "", fmt.Errorf("marshal conversation: %w", err)
	}
	return payload, key, nil
}

func decodeConversation(raw []byte) (*Conversation, error) {
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation: %w", err)
	}
	if err := conv.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conversation loaded from store: %w", err)
	}
	return &conv, nil
}
