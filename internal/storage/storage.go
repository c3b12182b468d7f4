package storage

import (
	"context"
	"time"
)

// Snippet is the storage-bound record derived from one ingested message.
// Field names follow the whatsapp_snippets table columns.
type Snippet struct {
	SenderJID   string    `json:"sender_jid"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	SenderName  string    `json:"sender_name,omitempty"`
	Caption     string    `json:"caption,omitempty"`
	GroupName   string    `json:"group_name,omitempty"`
	IsGroup     bool      `json:"is_group"`
}

// Store is the storage collaborator the ingestion pipeline hands records to.
// The engine does not retain snippets after handoff.
type Store interface {
	// InsertSnippet persists one snippet record.
	InsertSnippet(ctx context.Context, s *Snippet) error
	// UploadObject stores a binary object and returns the object path.
	UploadObject(ctx context.Context, bucket, filename string, data []byte, contentType string) (string, error)
	// PublicURL resolves an object path to its public URL.
	PublicURL(bucket, path string) string
}
