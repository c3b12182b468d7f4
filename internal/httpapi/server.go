package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/matheus3301/snippetd/internal/cache"
	"github.com/matheus3301/snippetd/internal/manager"
	"github.com/matheus3301/snippetd/internal/replay"
	"github.com/matheus3301/snippetd/internal/status"
	"github.com/matheus3301/snippetd/internal/wa"
	"go.uber.org/zap"
)

// Server is the thin JSON glue over the engine: decode, delegate, encode.
type Server struct {
	srv      *http.Server
	manager  *manager.Manager
	replayer *replay.Replayer
	machine  *status.Machine
	logger   *zap.Logger
}

// NewServer creates the HTTP server bound to addr.
func NewServer(addr string, mgr *manager.Manager, rep *replay.Replayer, machine *status.Machine, logger *zap.Logger) *Server {
	s := &Server{
		manager:  mgr,
		replayer: rep,
		machine:  machine,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/messages/send", s.handleSendText)
	mux.HandleFunc("POST /api/messages/send-media", s.handleSendMedia)
	mux.HandleFunc("GET /api/chats", s.handleListChats)
	mux.HandleFunc("POST /api/chats/{jid}/history", s.handleFetchHistory)
	mux.HandleFunc("GET /api/qr-code", s.handlePairingToken)
	mux.HandleFunc("GET /api/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.srv.Addr))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("HTTP server stopping")
	_ = s.srv.Shutdown(ctx)
}

type response struct {
	Status  bool   `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, response{Status: false, Message: "missing required fields: to, message"})
		return
	}

	ack, err := s.manager.SendText(r.Context(), req.To, req.Message)
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: true, Message: "message sent", Data: ack})
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To       string `json:"to"`
		MediaURL string `json:"mediaUrl"`
		Type     string `json:"type"`
		Caption  string `json:"caption"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" || req.MediaURL == "" || req.Type == "" {
		writeJSON(w, http.StatusBadRequest, response{Status: false, Message: "missing required fields: to, mediaUrl, type"})
		return
	}
	kind, ok := mediaKind(req.Type)
	if !ok {
		writeJSON(w, http.StatusBadRequest, response{Status: false, Message: "type must be one of: image, video, document"})
		return
	}

	ack, err := s.manager.SendMedia(r.Context(), req.To, wa.OutboundMedia{
		Kind:      kind,
		SourceURL: req.MediaURL,
		Caption:   req.Caption,
	})
	if err != nil {
		s.writeSendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: true, Message: "media sent", Data: ack})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.manager.ListChats(r.Context())
	writeJSON(w, http.StatusOK, response{Status: true, Data: chats})
}

func (s *Server) handleFetchHistory(w http.ResponseWriter, r *http.Request) {
	jid := r.PathValue("jid")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, response{Status: false, Message: "invalid limit"})
			return
		}
		limit = n
	}

	report, err := s.replayer.FetchHistory(r.Context(), jid, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, response{Status: false, Message: "history replay failed", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: true, Data: report})
}

func (s *Server) handlePairingToken(w http.ResponseWriter, _ *http.Request) {
	token := s.manager.PairingToken()
	if token == "" {
		writeJSON(w, http.StatusNotFound, response{Status: false, Message: "no pairing token available"})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: true, Data: map[string]string{"qr": token}})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: true, Data: map[string]any{
		"state":     string(s.machine.Current()),
		"connected": s.manager.IsConnected(),
	}})
}

func (s *Server) writeSendError(w http.ResponseWriter, err error) {
	if errors.Is(err, manager.ErrNotConnected) {
		writeJSON(w, http.StatusServiceUnavailable, response{Status: false, Message: "not connected", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, response{Status: false, Message: "send failed", Error: err.Error()})
}

func mediaKind(t string) (cache.MediaKind, bool) {
	switch t {
	case "image":
		return cache.MediaImage, true
	case "video":
		return cache.MediaVideo, true
	case "document":
		return cache.MediaDocument, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, code int, body response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
