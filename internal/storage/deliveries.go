package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Delivery is one inbound webhook call and what became of it.
type Delivery struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id,omitempty"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	EventKind   string        `json:"event_kind"`
	EventType   string        `json:"event_type,omitempty"`
	Channel     string        `json:"channel,omitempty"`
	Outcome     string        `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	MessageID   string        `json:"message_id,omitempty"`
	RetryNum    int           `json:"retry_num"`
	Duration    time.Duration `json:"duration_ns"`
	ReceivedAt  time.Time     `json:"received_at"`
}

// DeliveryLog persists Delivery records.
type DeliveryLog struct {
	db *sql.DB
}

func NewDeliveryLog(db *sql.DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

// Record inserts d, assigning an ID and timestamp when unset, and returns the ID.
func (l *DeliveryLog) Record(ctx context.Context, d Delivery) (string, error) {
	if d.EventKind == "" {
		return "", fmt.Errorf("event kind is empty")
	}
	if d.Outcome == "" {
		return "", fmt.Errorf("outcome is empty")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now()
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO event_deliveries(
  id, request_id, fingerprint, event_kind, event_type, channel, outcome, reason,
  last_error, message_id, retry_num, duration_ms, received_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, d.ID, nullable(d.RequestID), nullable(d.Fingerprint), d.EventKind, nullable(d.EventType), nullable(d.Channel),
		d.Outcome, nullable(d.Reason), nullable(d.LastError), nullable(d.MessageID), d.RetryNum,
		d.Duration.Milliseconds(), d.ReceivedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("record delivery: %w", err)
	}
	return d.ID, nil
}

// Recent returns up to limit deliveries, newest first.
func (l *DeliveryLog) Recent(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.QueryContext(ctx, `
SELECT id, request_id, fingerprint, event_kind, event_type, channel, outcome, reason,
       last_error, message_id, retry_num, duration_ms, received_at
FROM event_deliveries
ORDER BY received_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var (
			d                                                  Delivery
			requestID, fingerprint, eventType, channel, reason sql.NullString
			lastError, messageID                               sql.NullString
			durationMS                                         int64
			receivedAt                                         string
		)
		if err := rows.Scan(
			&d.ID, &requestID, &fingerprint, &d.EventKind, &eventType, &channel, &d.Outcome, &reason,
			&lastError, &messageID, &d.RetryNum, &durationMS, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.RequestID = requestID.String
		d.Fingerprint = fingerprint.String
		d.EventType = eventType.String
		d.Channel = channel.String
		d.Reason = reason.String
		d.LastError = lastError.String
		d.MessageID = messageID.String
		d.Duration = time.Duration(durationMS) * time.Millisecond
		if t, err := time.Parse(timeLayout, receivedAt); err == nil {
			d.ReceivedAt = t
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}
	return out, nil
}

// Prune removes deliveries received before cutoff.
func (l *DeliveryLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, "DELETE FROM event_deliveries WHERE received_at < ?;", cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
