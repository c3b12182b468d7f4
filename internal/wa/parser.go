package wa

import (
	"github.com/matheus3301/snippetd/internal/cache"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
)

// ParseMessage normalizes a live whatsmeow message event into a cache
// message. Payload extraction follows a fixed precedence: conversation text,
// extended text, image, video, document. Anything else yields a message with
// no payload.
func ParseMessage(evt *events.Message) *cache.Message {
	msg := &cache.Message{
		ID:         evt.Info.ID,
		ChatJID:    evt.Info.Chat.String(),
		SenderJID:  evt.Info.Sender.String(),
		SenderName: evt.Info.PushName,
		FromMe:     evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	}
	fillPayload(msg, evt.Message)
	return msg
}

func fillPayload(msg *cache.Message, m *waE2E.Message) {
	if m == nil {
		return
	}
	if c := m.GetConversation(); c != "" {
		msg.Text = c
		return
	}
	if ext := m.GetExtendedTextMessage(); ext.GetText() != "" {
		msg.Text = ext.GetText()
		return
	}
	if img := m.GetImageMessage(); img != nil {
		msg.Media = &cache.Media{
			Kind:     cache.MediaImage,
			MimeType: img.GetMimetype(),
			Caption:  img.GetCaption(),
			Ref:      mediaRef(img.GetDirectPath(), img.GetMediaKey(), img.GetFileEncSHA256(), img.GetFileSHA256(), img.GetFileLength()),
		}
		return
	}
	if vid := m.GetVideoMessage(); vid != nil {
		msg.Media = &cache.Media{
			Kind:     cache.MediaVideo,
			MimeType: vid.GetMimetype(),
			Caption:  vid.GetCaption(),
			Ref:      mediaRef(vid.GetDirectPath(), vid.GetMediaKey(), vid.GetFileEncSHA256(), vid.GetFileSHA256(), vid.GetFileLength()),
		}
		return
	}
	if doc := m.GetDocumentMessage(); doc != nil {
		msg.Media = &cache.Media{
			Kind:     cache.MediaDocument,
			MimeType: doc.GetMimetype(),
			Caption:  doc.GetCaption(),
			Ref:      mediaRef(doc.GetDirectPath(), doc.GetMediaKey(), doc.GetFileEncSHA256(), doc.GetFileSHA256(), doc.GetFileLength()),
		}
		return
	}
}

func mediaRef(directPath string, key, encHash, hash []byte, length uint64) cache.MediaRef {
	return cache.MediaRef{
		DirectPath:    directPath,
		MediaKey:      key,
		FileEncSHA256: encHash,
		FileSHA256:    hash,
		FileLength:    length,
	}
}
