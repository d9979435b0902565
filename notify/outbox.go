package notify

import (
	"context"
	"time"

	"showingflow/outbox"
)

// TopicNotify is the outbox topic for offers.
const TopicNotify = "showing.notify"

// OutboxSink stages offers in the Postgres outbox for the relay to publish.
type OutboxSink struct {
	db  outbox.Execer
	now func() time.Time
}

func NewOutboxSink(db outbox.Execer) *OutboxSink {
	return &OutboxSink{db: db, now: time.Now}
}

func (o *OutboxSink) Notify(ctx context.Context, handlerID, requestID string) error {
	return outbox.Enqueue(ctx, o.db, TopicNotify, Notification{
		HandlerID: handlerID,
		RequestID: requestID,
		At:        o.now().UTC(),
	})
}
