package ingest

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/storage"
	"go.uber.org/zap"
)

// FailedMediaContent is the sentinel stored as snippet content when media
// retrieval or upload fails. The snippet is still emitted so the failure is
// visible downstream.
const FailedMediaContent = "media_upload_failed"

// Fetcher is the slice of the session manager the pipeline needs: media
// retrieval and group metadata lookup against the live connection.
type Fetcher interface {
	DownloadMedia(ctx context.Context, media *cache.Media) ([]byte, error)
	GroupName(ctx context.Context, jid string) (string, error)
}

// Outcome reports what the pipeline did with one message.
type Outcome int

const (
	// Dropped means no snippet was emitted (self-echo, empty payload,
	// unrecognized kind).
	Dropped Outcome = iota
	// Emitted means a snippet was handed to the storage collaborator.
	Emitted
	// Failed means a snippet was produced but the insert failed. The
	// failure is logged and counted, never raised.
	Failed
)

// Pipeline turns raw inbound messages into snippets, best-effort per message.
type Pipeline struct {
	store   storage.Store
	fetcher Fetcher
	bucket  string
	logger  *zap.Logger
}

// NewPipeline creates an ingestion pipeline writing into the given bucket.
func NewPipeline(store storage.Store, fetcher Fetcher, bucket string, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		fetcher: fetcher,
		bucket:  bucket,
		logger:  logger,
	}
}

// Process classifies one message and emits at most one snippet for it.
func (p *Pipeline) Process(ctx context.Context, msg *cache.Message) Outcome {
	if msg.FromMe {
		return Dropped
	}

	kind := classify(msg)
	if kind == "unknown" {
		p.logger.Info("skipping unsupported message",
			zap.String("chat_jid", msg.ChatJID),
			zap.String("msg_id", msg.ID))
		return Dropped
	}

	isGroup := cache.IsGroupJID(msg.ChatJID)
	var groupName string
	if isGroup {
		name, err := p.fetcher.GroupName(ctx, msg.ChatJID)
		if err != nil {
			// Non-fatal: the snippet goes out without a group name.
			p.logger.Warn("failed to fetch group metadata",
				zap.String("chat_jid", msg.ChatJID), zap.Error(err))
		} else {
			groupName = name
		}
	}

	var content, caption string
	if kind == "text" {
		content = msg.Text
	} else {
		content = p.resolveMedia(ctx, msg)
		caption = msg.Media.Caption
	}

	if content == "" {
		p.logger.Info("skipping message with empty content",
			zap.String("chat_jid", msg.ChatJID),
			zap.String("msg_id", msg.ID))
		return Dropped
	}

	snip := &storage.Snippet{
		SenderJID:   msg.ChatJID,
		Timestamp:   msg.Timestamp,
		MessageType: kind,
		Content:     content,
		SenderName:  msg.SenderName,
		Caption:     caption,
		GroupName:   groupName,
		IsGroup:     isGroup,
	}
	if err := p.store.InsertSnippet(ctx, snip); err != nil {
		p.logger.Error("failed to persist snippet",
			zap.String("chat_jid", msg.ChatJID),
			zap.String("msg_id", msg.ID),
			zap.Error(err))
		return Failed
	}

	p.logger.Info("snippet saved",
		zap.String("chat_jid", msg.ChatJID),
		zap.String("type", kind))
	return Emitted
}

// resolveMedia downloads the binary, uploads it to the object bucket under a
// fresh name and returns the public URL, or the failure sentinel.
func (p *Pipeline) resolveMedia(ctx context.Context, msg *cache.Message) string {
	data, err := p.fetcher.DownloadMedia(ctx, msg.Media)
	if err != nil {
		p.logger.Error("failed to download media",
			zap.String("msg_id", msg.ID), zap.Error(err))
		return FailedMediaContent
	}

	filename := uuid.New().String()
	if ext := extensionFor(msg.Media.MimeType); ext != "" {
		filename += "." + ext
	}

	path, err := p.store.UploadObject(ctx, p.bucket, filename, data, msg.Media.MimeType)
	if err != nil {
		p.logger.Error("failed to upload media",
			zap.String("msg_id", msg.ID), zap.Error(err))
		return FailedMediaContent
	}

	url := p.store.PublicURL(p.bucket, path)
	if url == "" {
		p.logger.Error("no public URL for uploaded media",
			zap.String("msg_id", msg.ID), zap.String("path", path))
		return FailedMediaContent
	}
	p.logger.Info("media uploaded", zap.String("url", url))
	return url
}

// classify assigns exactly one kind per message with fixed precedence:
// text, then media kind, else unknown.
func classify(msg *cache.Message) string {
	switch {
	case msg.Text != "":
		return "text"
	case msg.Media != nil:
		return string(msg.Media.Kind)
	default:
		return "unknown"
	}
}

// extensionFor derives a file extension from a declared content type, e.g.
// "image/jpeg" -> "jpeg".
func extensionFor(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	_, sub, ok := strings.Cut(mimeType, "/")
	if !ok {
		return ""
	}
	return strings.TrimSpace(sub)
}
