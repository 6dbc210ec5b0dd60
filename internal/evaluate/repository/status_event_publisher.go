package repository

import (
	"context"
	"encoding/json"
	"time"

	"protoeval/internal/common/mq"
	"protoeval/internal/evaluate/model"
	appErr "protoeval/pkg/errors"
)

// StatusEventPublisher announces jobs that reached a terminal state.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, event model.StatusEvent) error
}

// QueueStatusPublisher encodes status events as JSON records keyed by job id.
type QueueStatusPublisher struct {
	queue mq.Publisher
	now   func() time.Time
}

func NewQueueStatusPublisher(queue mq.Publisher) *QueueStatusPublisher {
	return &QueueStatusPublisher{queue: queue, now: time.Now}
}

func (p *QueueStatusPublisher) PublishFinalStatus(ctx context.Context, event model.StatusEvent) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	switch {
	case event.JobID == "":
		return appErr.ValidationError("job_id", "required")
	case !event.Status.IsTerminal():
		return appErr.ValidationError("status", "must be completed or failed")
	}
	if event.Type == "" {
		event.Type = model.StatusEventFinal
	}
	at := p.now()
	if event.CreatedAt == 0 {
		event.CreatedAt = at.Unix()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode status event failed")
	}
	headers := map[string]string{
		"event":  string(event.Type),
		"status": string(event.Status),
	}
	if event.RobotVersion != "" {
		headers["robot-version"] = event.RobotVersion
	}
	record := mq.Record{Key: event.JobID, Value: body, Headers: headers, Time: at}
	if err := p.queue.Publish(ctx, record); err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "publish status event for %s failed", event.JobID)
	}
	return nil
}
