// Package notify publishes run lifecycle notifications to downstream
// consumers, such as the migration dashboard's ingest topic.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pageparity/pageparity/internal/record"
)

// Publisher sends one JSON payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunCompletedMessage is the payload published when a run settles.
type RunCompletedMessage struct {
	RunID          string     `json:"runId"`
	RunName        string     `json:"runName"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	TotalScans     int        `json:"totalScans"`
	CompletedScans int        `json:"completedScans"`
	FailedScans    int        `json:"failedScans"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
}

// RunNotifier publishes run completions. It satisfies run.Notifier.
type RunNotifier struct {
	publisher Publisher
	topic     string
	logger    *zap.Logger
}

// NewRunNotifier builds a notifier for the given topic.
func NewRunNotifier(publisher Publisher, topic string, logger *zap.Logger) *RunNotifier {
	return &RunNotifier{publisher: publisher, topic: topic, logger: logger}
}

// RunCompleted publishes the run's final tallies.
func (n *RunNotifier) RunCompleted(ctx context.Context, run record.Run) error {
	msg := RunCompletedMessage{
		RunID:          run.ID.String(),
		RunName:        run.RunName,
		Type:           string(run.Type),
		Status:         string(run.Status),
		TotalScans:     run.TotalScans,
		CompletedScans: run.CompletedScans,
		FailedScans:    run.FailedScans,
		CompletedAt:    run.CompletedAt,
	}
	id, err := n.publisher.Publish(ctx, n.topic, msg)
	if err != nil {
		return err
	}
	n.logger.Debug("published run completion",
		zap.String("run_id", msg.RunID),
		zap.String("message_id", id),
		zap.String("topic", n.topic))
	return nil
}
