package cache

import (
	"strings"
	"time"
)

// GroupSuffix is the JID suffix identifying group conversations.
const GroupSuffix = "@g.us"

// MediaKind enumerates the media payload kinds the engine recognizes.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaDocument MediaKind = "document"
)

// MediaRef holds everything needed to retrieve an encrypted media binary
// later, including during history replay after a reconnect.
type MediaRef struct {
	DirectPath    string `json:"direct_path"`
	MediaKey      []byte `json:"media_key"`
	FileEncSHA256 []byte `json:"file_enc_sha256"`
	FileSHA256    []byte `json:"file_sha256"`
	FileLength    uint64 `json:"file_length"`
}

// Media is an unresolved media payload attached to a message.
type Media struct {
	Kind     MediaKind `json:"kind"`
	MimeType string    `json:"mime_type"`
	Caption  string    `json:"caption,omitempty"`
	Ref      MediaRef  `json:"ref"`
}

// Message is an inbound or outbound message as observed on the wire.
// Immutable once appended to the cache.
type Message struct {
	ID         string    `json:"id"`
	ChatJID    string    `json:"chat_jid"`
	SenderJID  string    `json:"sender_jid"`
	SenderName string    `json:"sender_name,omitempty"`
	FromMe     bool      `json:"from_me"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text,omitempty"`
	Media      *Media    `json:"media,omitempty"`
}

// Conversation is a cached conversation: ordered messages plus metadata.
type Conversation struct {
	JID      string     `json:"jid"`
	Name     string     `json:"name,omitempty"`
	IsGroup  bool       `json:"is_group"`
	Messages []*Message `json:"messages"`
}

// ChatSummary is a derived view over a conversation entry.
type ChatSummary struct {
	JID     string `json:"jid"`
	Name    string `json:"name,omitempty"`
	IsGroup bool   `json:"is_group"`
}

// IsGroupJID reports whether jid denotes a group conversation.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, GroupSuffix)
}
