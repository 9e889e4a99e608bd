package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/govpress/docaudio-backend/internal/platform/logger"
	"github.com/govpress/docaudio-backend/internal/progress"
)

type progressStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

// NewProgressStore connects to redis and returns the production
// progress.Store implementation.
func NewProgressStore(log *logger.Logger) (progress.Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &progressStore{
		log: log.With("service", "RedisProgressStore"),
		rdb: rdb,
	}, nil
}

func (s *progressStore) Set(ctx context.Context, snap progress.Snapshot) error {
	return s.put(ctx, snap, progress.ActiveTTL)
}

func (s *progressStore) MarkTerminal(ctx context.Context, snap progress.Snapshot) error {
	return s.put(ctx, snap, progress.TerminalTTL)
}

func (s *progressStore) put(ctx context.Context, snap progress.Snapshot, ttl time.Duration) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, progress.Key(snap.DocumentID), raw, ttl).Err()
}

func (s *progressStore) Get(ctx context.Context, documentID int64) (*progress.Snapshot, error) {
	raw, err := s.rdb.Get(ctx, progress.Key(documentID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap progress.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.log.Warn("bad progress payload in cache", "document_id", documentID, "error", err)
		return nil, nil
	}
	return &snap, nil
}

func (s *progressStore) Delete(ctx context.Context, documentID int64) error {
	return s.rdb.Del(ctx, progress.Key(documentID)).Err()
}
