package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	scheduleExchange = "schedules.fanout"
	feedbackQueue    = "feedback.completed"
)

type queueService struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// NewQueueService connects to RabbitMQ with incremental backoff and
// declares the schedule fanout exchange. The same service publishes
// schedule snapshots and consumes completion feedback.
func NewQueueService(url string, log *zap.Logger) (*queueService, error) {
	var conn *amqp.Connection
	var err error

	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr == nil {
				if exErr := ch.ExchangeDeclare(
					scheduleExchange, // name
					"fanout",         // kind
					true,             // durable
					false,            // auto-delete
					false,            // internal
					false,            // no-wait
					nil,              // arguments
				); exErr != nil {
					conn.Close()
					return nil, exErr
				}
				return &queueService{
					conn: conn,
					ch:   ch,
					log:  log,
				}, nil
			}
			err = chErr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// scheduleEvent is the wire form of a snapshot announcement. The full
// assignment set travels with it so consumers need no follow-up query.
type scheduleEvent struct {
	Version     int64               `json:"version"`
	ComputedAt  time.Time           `json:"computed_at"`
	Makespan    time.Duration       `json:"makespan_ns"`
	Assignments []domain.Assignment `json:"assignments"`
	Violations  []domain.Violation  `json:"violations"`
}

func (q *queueService) PublishSchedule(ctx context.Context, schedule *domain.Schedule) error {
	body, err := json.Marshal(scheduleEvent{
		Version:     schedule.Version,
		ComputedAt:  schedule.ComputedAt,
		Makespan:    schedule.Makespan,
		Assignments: schedule.Assignments,
		Violations:  schedule.Violations,
	})
	if err != nil {
		return err
	}

	err = q.ch.PublishWithContext(ctx,
		scheduleExchange, // Exchange
		"",               // Routing key (fanout ignores it)
		false,            // Mandatory
		false,            // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})

	if err != nil {
		q.log.Error("Failed to publish schedule", zap.Error(err))
		return err
	}

	q.log.Info("Published schedule snapshot",
		zap.Int64("version", schedule.Version),
		zap.Int("assignments", len(schedule.Assignments)))
	return nil
}

func (q *queueService) Close() error {
	if err := q.ch.Close(); err != nil {
		return err
	}
	return q.conn.Close()
}
