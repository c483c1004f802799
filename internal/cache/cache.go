// Package cache stores the terminal completion record of each analysis run for pollers
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// ErrNotFound is returned when no completion record exists for an analysis
var ErrNotFound = errors.New("completion record not found")

// ErrEmptyAddress is returned when Redis address is not configured
var ErrEmptyAddress = errors.New("redis address is required")

const (
	keyPrefix         = "urlanalyzer:analysis:"
	connectionTimeout = 5 * time.Second
)

// Completions is the completion-record boundary written by the analyzer
type Completions interface {
	MarkPending(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, record *models.CompletionRecord) error
	Get(ctx context.Context, id string) (*models.CompletionRecord, error)
	IsPending(ctx context.Context, id string) (bool, error)
}

// Config holds Redis connection configuration
type Config struct {
	Address  string
	Password string
	DB       int
}

// NewClient creates a Redis client and verifies the connection
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, ErrEmptyAddress
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return client, nil
}

// Redis implements Completions with TTL'd keys
type Redis struct {
	client     *redis.Client
	ttl        time.Duration
	pendingTTL time.Duration
}

// NewRedis creates a completion store. ttl bounds how long results stay pollable,
// pendingTTL bounds a pending marker left behind by a crashed process.
func NewRedis(client *redis.Client, ttl, pendingTTL time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, pendingTTL: pendingTTL}
}

func resultKey(id string) string  { return keyPrefix + id + ":result" }
func pendingKey(id string) string { return keyPrefix + id + ":pending" }

func (r *Redis) MarkPending(ctx context.Context, id string) error {
	if err := r.client.Set(ctx, pendingKey(id), time.Now().UTC().Format(time.RFC3339), r.pendingTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark analysis %s pending: %w", id, err)
	}
	return nil
}

// Complete stores the terminal record and clears the pending marker atomically
func (r *Redis) Complete(ctx context.Context, id string, record *models.CompletionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode completion record: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(id), data, r.ttl)
		pipe.Del(ctx, pendingKey(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store completion record for %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*models.CompletionRecord, error) {
	data, err := r.client.Get(ctx, resultKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read completion record for %s: %w", id, err)
	}

	var record models.CompletionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode completion record for %s: %w", id, err)
	}
	return &record, nil
}

func (r *Redis) IsPending(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, pendingKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pending marker for %s: %w", id, err)
	}
	return n > 0, nil
}

// Memory is an in-process Completions used by one-off scans and tests
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.CompletionRecord
	pending map[string]struct{}
}

// NewMemory creates an empty in-memory completion store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]models.CompletionRecord),
		pending: make(map[string]struct{}),
	}
}

func (m *Memory) MarkPending(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[id] = struct{}{}
	return nil
}

func (m *Memory) Complete(_ context.Context, id string, record *models.CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = *record
	delete(m.pending, id)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.CompletionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &record, nil
}

func (m *Memory) IsPending(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pending[id]
	return ok, nil
}
