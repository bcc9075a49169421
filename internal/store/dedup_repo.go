package store

import (
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	SenderID    string     `json:"sender_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// IsDuplicate reports whether a message ID has already been processed.
	IsDuplicate(messageID string) (bool, error)

	// RecordInbound records a message and reports whether it should be
	// processed. It returns false only when the message was recorded before and
	// already marked processed. A recorded but unprocessed message (a previous
	// attempt failed) is handed out again.
	RecordInbound(messageID, senderID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(messageID string) error
}
