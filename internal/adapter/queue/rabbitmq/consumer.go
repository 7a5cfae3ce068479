package rabbitmq

import (
	"context"
	"encoding/json"

	"github.com/crabzie/Adaptive-Task-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// ConsumeFeedback listens on the lifecycle-report queue and hands each
// report to the handler. Reports the handler rejects with a structural
// error are discarded, not requeued; transient failures requeue for
// another attempt.
func (q *queueService) ConsumeFeedback(ctx context.Context, handler func(report *domain.FeedbackReport) error) error {
	_, err := q.ch.QueueDeclare(
		feedbackQueue, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		feedbackQueue, // queue
		"",            // consumer
		false,         // auto-ack (ack only after the engine accepted it)
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming feedback reports", zap.String("queue", feedbackQueue))

	go func() {
		for d := range msgs {
			var report domain.FeedbackReport
			if err := json.Unmarshal(d.Body, &report); err != nil {
				q.log.Error("Failed to unmarshal feedback report", zap.Error(err))
				d.Nack(false, false) // discard invalid message
				continue
			}

			q.log.Info("Received feedback report",
				zap.String("task_id", string(report.TaskID)),
				zap.String("event", string(report.Event)),
				zap.Duration("actual", report.Actual))

			if err := handler(&report); err != nil {
				switch err.(type) {
				case *domain.UnknownTaskError, *domain.InvalidStateError:
					// Caller-input fault; redelivery cannot fix it.
					q.log.Warn("Discarding invalid feedback report", zap.Error(err))
					d.Nack(false, false)
				default:
					q.log.Error("Feedback handling failed, requeueing", zap.Error(err))
					d.Nack(false, true)
				}
			} else {
				d.Ack(false)
			}
		}
	}()

	return nil
}
