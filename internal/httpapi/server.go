package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/visage/internal/config"
	"github.com/antoniostano/visage/internal/observability"
	"github.com/antoniostano/visage/internal/protocol"
	"github.com/antoniostano/visage/internal/replychan"
	"github.com/antoniostano/visage/internal/session"
	"github.com/antoniostano/visage/internal/transcribe"
	"github.com/antoniostano/visage/internal/transcript"
)

// Orchestrator runs one session's conversation over a websocket connection.
type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	transcriber  *transcribe.Client
	store        transcript.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, transcriber *transcribe.Client, store transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		transcriber:  transcriber,
		store:        store,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser clients
				// omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/avatar/session", s.handleCreateSession)
	r.Post("/v1/avatar/session/{id}/end", s.handleEndSession)
	r.Get("/v1/avatar/session/{id}/transcript", s.handleSessionTranscript)
	r.Get("/v1/avatar/session/ws", s.handleSessionWS)

	r.Post("/api/transcribe", s.handleTranscribe)
	r.Post("/api/chat-stream", s.handleChatStream)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := "ready"
	code := http.StatusOK
	if s.cfg.ReplyChannelURL == "" {
		status = "reply channel not configured"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":          status,
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type createSessionResponse struct {
	SessionID       string         `json:"session_id"`
	CustomSessionID string         `json:"custom_session_id"`
	Status          session.Status `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	InactivityTTLMS int64          `json:"inactivity_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	key, err := session.KeyFromQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_key", err.Error())
		return
	}

	sess := s.sessions.Create(key)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:       sess.ID,
		CustomSessionID: sess.CustomSessionID,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

type sessionTranscriptResponse struct {
	SessionID       string                  `json:"session_id"`
	CustomSessionID string                  `json:"custom_session_id"`
	Turns           []transcript.TurnRecord `json:"turns"`
}

func (s *Server) handleSessionTranscript(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if n < limit {
			limit = n
		}
	}

	turns, err := s.store.RecentTurns(r.Context(), sess.CustomSessionID, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "transcript_read_failed", err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, sessionTranscriptResponse{
		SessionID:       sess.ID,
		CustomSessionID: sess.CustomSessionID,
		Turns:           turns,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusConflict, "session_ended", "session is no longer active")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		cancel()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// handleTranscribe proxies one captured utterance to the transcription
// service. Failures come back as non-2xx with an error and details body.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.transcriber == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcription not configured")
		return
	}
	if err := r.ParseMultipartForm(16 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_multipart_form", err.Error())
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_file", "form field file is required")
		return
	}
	defer file.Close()

	wav, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_file", err.Error())
		return
	}
	language := strings.TrimSpace(r.FormValue("language"))

	res, err := s.transcriber.TranscribeWAV(r.Context(), wav, language)
	if err != nil {
		s.metrics.ProviderErrors.WithLabelValues("transcriber", "transport").Inc()
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "transcription request failed",
			"details": err.Error(),
		})
		return
	}
	if res.Failed() {
		s.metrics.ProviderErrors.WithLabelValues("transcriber", "service").Inc()
		respondJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "transcription failed",
			"details": res.ErrorDetail,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"text": res.Text})
}

type chatStreamRequest struct {
	Message         string `json:"message"`
	CustomSessionID string `json:"custom_session_id"`
}

// handleChatStream is the one-shot transport: it relays a single message to
// the chat backend and streams the reply as chunked plain text. The end
// sentinel terminates the stream and is not forwarded.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "missing_message", "field message is required")
		return
	}
	if req.CustomSessionID == "" {
		req.CustomSessionID = "anonymous"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	ch := replychan.New(s.cfg.ReplyChannelURL)
	if err := ch.Open(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "reply_channel_unavailable", err.Error())
		return
	}
	defer ch.Close()

	if err := ch.Send(req.CustomSessionID, req.Message); err != nil {
		respondError(w, http.StatusBadGateway, "reply_channel_send_failed", err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-ch.Messages():
			if !ok || msg.Err != nil || msg.End {
				return
			}
			if _, err := w.Write([]byte(msg.Text)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AvatarSpeak:
		return m.Type, true
	case protocol.AvatarInterrupt:
		return m.Type, true
	case protocol.TranscriptEvent:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
