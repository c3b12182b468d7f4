package wa

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/creds"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// Ack is the protocol client's acknowledgement for a sent message, returned
// to callers unmodified.
type Ack struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// OutboundMedia is a typed outbound media payload. Kind selects the waE2E
// message shape the content is packaged into.
type OutboundMedia struct {
	Kind      cache.MediaKind `json:"kind"`
	SourceURL string          `json:"source_url"`
	Caption   string          `json:"caption,omitempty"`
}

// DisconnectCause discriminates terminal logouts from transient drops.
type DisconnectCause struct {
	LoggedOut bool
	Reason    string
}

// Dialer builds fresh connection handles. Each Dial constructs a new
// whatsmeow client from the credential store; the previous handle, if any, is
// dead for sends once replaced.
type Dialer struct {
	creds  *creds.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewDialer creates a dialer over the given credential store.
func NewDialer(c *creds.Store, b *bus.Bus, logger *zap.Logger) *Dialer {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo("SNIPPETD", [3]uint32{0, 1, 0})
	return &Dialer{creds: c, bus: b, logger: logger}
}

// Dial loads credentials and constructs a new connection handle. When no
// credentials exist it also arms the pairing flow: pairing tokens stream onto
// the bus once Connect is called.
func (d *Dialer) Dial(ctx context.Context) (*Adapter, error) {
	device, err := d.creds.Device(ctx)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		client: whatsmeow.NewClient(device, nil),
		creds:  d.creds,
		bus:    d.bus,
		logger: d.logger,
	}
	// Reconnection policy lives in the session manager; the client must not
	// redial on its own or two sockets end up live for one device.
	a.client.EnableAutoReconnect = false
	a.client.AddEventHandler(a.handleEvent)

	if !a.IsLoggedIn() {
		// Must be requested before Connect.
		qrChan, err := a.client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("get QR channel: %w", err)
		}
		go a.pumpPairing(qrChan)
	}

	return a, nil
}

// Adapter wraps one whatsmeow client instance: a single connection handle.
type Adapter struct {
	client *whatsmeow.Client
	creds  *creds.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// Connect initiates connection establishment. Establishment is asynchronous;
// the outcome arrives as wa.* bus events.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the connection.
func (a *Adapter) Disconnect() {
	a.client.Disconnect()
}

// IsLoggedIn returns whether the handle has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// IsConnected returns whether the underlying socket is up.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// SendText sends a plain text message to the given JID.
func (a *Adapter) SendText(ctx context.Context, jid string, text string) (*Ack, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}
	resp, err := a.client.SendMessage(ctx, to, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &Ack{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// SendMedia fetches the source URL, uploads the content to WhatsApp servers
// and sends it packaged according to the media kind.
func (a *Adapter) SendMedia(ctx context.Context, jid string, media OutboundMedia) (*Ack, error) {
	to, err := types.ParseJID(jid)
	if err != nil {
		return nil, fmt.Errorf("parse JID: %w", err)
	}

	data, contentType, err := fetchURL(ctx, media.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch media source: %w", err)
	}

	mediaType, err := uploadType(media.Kind)
	if err != nil {
		return nil, err
	}
	uploaded, err := a.client.Upload(ctx, data, mediaType)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}

	msg := buildMediaMessage(media, uploaded, contentType)
	resp, err := a.client.SendMessage(ctx, to, msg)
	if err != nil {
		return nil, fmt.Errorf("send media: %w", err)
	}
	return &Ack{ID: resp.ID, Timestamp: resp.Timestamp}, nil
}

// DownloadMedia retrieves and decrypts the binary payload referenced by a
// cached media message.
func (a *Adapter) DownloadMedia(ctx context.Context, media *cache.Media) ([]byte, error) {
	mediaType, err := uploadType(media.Kind)
	if err != nil {
		return nil, err
	}
	data, err := a.client.DownloadMediaWithPath(ctx,
		media.Ref.DirectPath,
		media.Ref.FileEncSHA256,
		media.Ref.FileSHA256,
		media.Ref.MediaKey,
		int(media.Ref.FileLength),
		mediaType,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

// GroupName resolves a group's display name through group metadata.
func (a *Adapter) GroupName(ctx context.Context, jid string) (string, error) {
	gjid, err := types.ParseJID(jid)
	if err != nil {
		return "", fmt.Errorf("parse JID: %w", err)
	}
	info, err := a.client.GetGroupInfo(ctx, gjid)
	if err != nil {
		return "", fmt.Errorf("fetch group metadata: %w", err)
	}
	return info.Name, nil
}

func uploadType(kind cache.MediaKind) (whatsmeow.MediaType, error) {
	switch kind {
	case cache.MediaImage:
		return whatsmeow.MediaImage, nil
	case cache.MediaVideo:
		return whatsmeow.MediaVideo, nil
	case cache.MediaDocument:
		return whatsmeow.MediaDocument, nil
	default:
		return "", fmt.Errorf("unsupported media kind %q", kind)
	}
}

func buildMediaMessage(media OutboundMedia, up whatsmeow.UploadResponse, contentType string) *waE2E.Message {
	switch media.Kind {
	case cache.MediaVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(contentType),
			Caption:       proto.String(media.Caption),
		}}
	case cache.MediaDocument:
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(contentType),
			Caption:       proto.String(media.Caption),
			FileName:      proto.String(path.Base(media.SourceURL)),
		}}
	default:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
			Mimetype:      proto.String(contentType),
			Caption:       proto.String(media.Caption),
		}}
	}
}

func fetchURL(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}
