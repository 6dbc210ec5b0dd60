package mq

import (
	"context"
	"time"
)

// Publisher writes records to one topic.
type Publisher interface {
	Publish(ctx context.Context, records ...Record) error
	Close() error
}

// Record is one keyed message. Records sharing a key land on the same
// partition, so consumers see one job's events in order.
type Record struct {
	Key     string
	Value   []byte
	Headers map[string]string
	// Time defaults to the publish time.
	Time time.Time
}
