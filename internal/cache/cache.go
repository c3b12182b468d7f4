package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Cache is the in-memory conversation index, periodically flushed to disk as
// a whole JSON snapshot. Mutations go through a single mutex; Flush marshals
// the snapshot under the lock but performs file I/O outside it.
type Cache struct {
	mu            sync.Mutex
	path          string
	conversations map[string]*Conversation
}

// New creates an empty cache backed by the given snapshot path.
func New(path string) *Cache {
	return &Cache{
		path:          path,
		conversations: make(map[string]*Conversation),
	}
}

// Load reads a prior snapshot from disk. A missing file is a cold start, not
// an error.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.conversations = make(map[string]*Conversation, len(snap.Conversations))
	for _, conv := range snap.Conversations {
		c.conversations[conv.JID] = conv
	}
	return nil
}

// Flush writes the full index to disk as one snapshot.
func (c *Cache) Flush() error {
	c.mu.Lock()
	snap := snapshot{Conversations: make([]*Conversation, 0, len(c.conversations))}
	for _, conv := range c.conversations {
		// Copy the entry so a concurrent append cannot mutate the slice
		// while it is being written out.
		cp := &Conversation{
			JID:      conv.JID,
			Name:     conv.Name,
			IsGroup:  conv.IsGroup,
			Messages: append([]*Message(nil), conv.Messages...),
		}
		snap.Conversations = append(snap.Conversations, cp)
	}
	c.mu.Unlock()

	sort.Slice(snap.Conversations, func(i, j int) bool {
		return snap.Conversations[i].JID < snap.Conversations[j].JID
	})

	data, err := json.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Append records a message at the tail of its conversation, creating the
// entry on first sight. Order of appends is arrival order; entries are never
// reordered.
func (c *Cache) Append(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[msg.ChatJID]
	if !ok {
		conv = &Conversation{
			JID:     msg.ChatJID,
			IsGroup: IsGroupJID(msg.ChatJID),
		}
		c.conversations[msg.ChatJID] = conv
	}
	if msg.SenderName != "" && !conv.IsGroup && conv.Name == "" {
		conv.Name = msg.SenderName
	}
	conv.Messages = append(conv.Messages, msg)
}

// SetName records a display name for a conversation if known.
func (c *Cache) SetName(jid, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.conversations[jid]; ok && name != "" {
		conv.Name = name
	}
}

// Tail returns up to limit most recent messages for the conversation, oldest
// first. Returns nil for an unknown conversation.
func (c *Cache) Tail(jid string, limit int) []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[jid]
	if !ok {
		return nil
	}
	msgs := conv.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*Message(nil), msgs...)
}

// Chats returns a summary for every known conversation.
func (c *Cache) Chats() []ChatSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ChatSummary, 0, len(c.conversations))
	for _, conv := range c.conversations {
		out = append(out, ChatSummary{
			JID:     conv.JID,
			Name:    conv.Name,
			IsGroup: conv.IsGroup,
		})
	}
	return out
}

// Len returns the number of known conversations.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conversations)
}

type snapshot struct {
	Conversations []*Conversation `json:"conversations"`
}
