package wa

import (
	"context"
	"time"

	"github.com/matheus3301/snippetd/internal/bus"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// handleEvent translates whatsmeow events into wa.* bus events. The adapter
// does not drive the state machine itself; the session manager subscribes to
// the bus independently.
func (a *Adapter) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		a.bus.Publish(bus.Event{
			Kind:      "wa.message",
			Timestamp: time.Now(),
			Payload:   ParseMessage(evt),
		})
	case *events.Connected:
		a.logger.Info("WhatsApp connection established")
		a.bus.Publish(bus.Event{Kind: "wa.connected", Timestamp: time.Now()})
	case *events.Disconnected:
		a.logger.Warn("WhatsApp disconnected")
		a.bus.Publish(bus.Event{
			Kind:      "wa.disconnected",
			Timestamp: time.Now(),
			Payload:   DisconnectCause{},
		})
	case *events.LoggedOut:
		a.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		a.bus.Publish(bus.Event{
			Kind:      "wa.disconnected",
			Timestamp: time.Now(),
			Payload:   DisconnectCause{LoggedOut: true, Reason: evt.Reason.String()},
		})
	case *events.PairSuccess:
		// Credential updates must hit disk before the event counts as
		// handled. No retry on failure.
		if err := a.creds.Save(context.Background(), a.client.Store); err != nil {
			a.logger.Error("FATAL: failed to persist credentials", zap.Error(err))
			return
		}
		a.bus.Publish(bus.Event{
			Kind:      "wa.paired",
			Timestamp: time.Now(),
			Payload:   evt.ID.String(),
		})
	}
}

// pumpPairing consumes the QR channel and publishes each pairing code on the
// bus. Each code supersedes the previous one; the stream ends on success or
// timeout.
func (a *Adapter) pumpPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			a.bus.Publish(bus.Event{
				Kind:      "wa.pairing_code",
				Timestamp: time.Now(),
				Payload:   item.Code,
			})
		case "success":
			a.logger.Info("pairing successful")
			return
		case "timeout":
			a.logger.Warn("pairing timed out")
			a.bus.Publish(bus.Event{Kind: "wa.pairing_timeout", Timestamp: time.Now()})
			return
		default:
			if item.Error != nil {
				a.logger.Error("pairing failed", zap.Error(item.Error))
				a.bus.Publish(bus.Event{
					Kind:      "wa.pairing_failed",
					Timestamp: time.Now(),
					Payload:   item.Error.Error(),
				})
				return
			}
		}
	}
}
