package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/port"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const calibrationKey = "calibration:snapshot"

type calibrationStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	log    *zap.Logger
}

// NewCalibrationStore creates a Redis-backed store for versioned
// calibration snapshots. The snapshot is stored whole so a reader
// never observes a half-written table.
func NewCalibrationStore(client redis.UniversalClient, ttl time.Duration, log *zap.Logger) port.CalibrationStore {
	return &calibrationStore{
		client: client,
		ttl:    ttl,
		log:    log,
	}
}

func (s *calibrationStore) Save(ctx context.Context, snap *domain.CalibrationSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, calibrationKey, data, s.ttl).Err()
}

func (s *calibrationStore) Load(ctx context.Context) (*domain.CalibrationSnapshot, error) {
	val, err := s.client.Get(ctx, calibrationKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.EmptyCalibration(), nil
		}
		return nil, err
	}

	var snap domain.CalibrationSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		s.log.Warn("discarding unreadable calibration snapshot", zap.Error(err))
		return domain.EmptyCalibration(), nil
	}
	if snap.Factors == nil {
		snap.Factors = make(map[string]domain.CalibrationFactor)
	}
	return &snap, nil
}
