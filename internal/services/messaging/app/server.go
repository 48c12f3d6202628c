// Package server hosts the messaging service and its WebSocket gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	apperrors "github.com/wavelen/talkback/internal/platform/errors"
	"github.com/wavelen/talkback/internal/platform/timeouts"
	"github.com/wavelen/talkback/internal/services/messaging/auth"
	"github.com/wavelen/talkback/internal/services/messaging/observability/audit"
	"github.com/wavelen/talkback/internal/services/messaging/otp"
	"github.com/wavelen/talkback/internal/services/messaging/storage"
)

const (
	tokenCookieName = "tb_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxMessageBodyRunes = 2000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config defines the inputs for the messaging transport boundary.
type Config struct {
	HTTPAddr          string
	Auth              auth.Config
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the messaging HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type joinPayload struct {
	ConversationID string `json:"conversation_id"`
	Locale         string `json:"locale,omitempty"`
}

type joinedPayload struct {
	ConversationID string `json:"conversation_id"`
	Topic          string `json:"topic,omitempty"`
	MessageCount   int    `json:"message_count"`
	ServerTime     string `json:"server_time"`
}

type sendPayload struct {
	Body string `json:"body"`
	Kind string `json:"kind,omitempty"`
}

type historyBeforePayload struct {
	Before string `json:"before,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

type messageEnvelope struct {
	Message talkMessage `json:"message"`
}

type talkMessage struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Kind           string `json:"kind"`
	Body           string `json:"body"`
	SentAt         string `json:"sent_at"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	SentAt    string `json:"sent_at,omitempty"`
	Count     int    `json:"count,omitempty"`
}

type wsAuthenticator interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

// tokenAuthenticator resolves user identity from a signed access token.
type tokenAuthenticator struct {
	cfg auth.Config
}

func (a tokenAuthenticator) Authenticate(_ context.Context, accessToken string) (string, error) {
	claims, err := auth.VerifyAccessToken(accessToken, a.cfg)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

type wsUserIDContextKey struct{}

// NewHandler creates messaging routes for tests and offline paths.
// WebSocket auth is intentionally disabled in this constructor.
func NewHandler(svc *Service) http.Handler {
	return newHandler(svc, nil, false, nil)
}

// NewHandlerWithAuthenticator creates messaging routes with enforced
// websocket identity checks.
func NewHandlerWithAuthenticator(svc *Service, authenticator wsAuthenticator, auditEmitter *audit.Emitter) http.Handler {
	return newHandler(svc, authenticator, true, auditEmitter)
}

func newHandler(svc *Service, authenticator wsAuthenticator, requireAuth bool, auditEmitter *audit.Emitter) http.Handler {
	hub := newRoomHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/otp/request", newOTPRequestHandler())

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, svc, auditEmitter)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authenticator == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("messaging: websocket unauthorized: missing token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authenticator.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				log.Printf("messaging: websocket unauthorized: token rejected for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

type otpRequestPayload struct {
	PhoneNumber string `json:"phone_number"`
}

// newOTPRequestHandler throttles passcode delivery requests per phone
// number. Delivery itself is handled by the SMS sender behind this
// endpoint; the gateway only gates the request rate.
func newOTPRequestHandler() http.HandlerFunc {
	limiter := otp.NewLimiter(nil)
	var mu sync.Mutex

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var payload otpRequestPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}

		mu.Lock()
		err := limiter.Allow(payload.PhoneNumber)
		mu.Unlock()
		if err != nil {
			var appErr *apperrors.Error
			if errors.As(err, &appErr) && appErr.Code == apperrors.CodeOTPRequestThrottled {
				if retryAfter := appErr.Metadata["retry_after"]; retryAfter != "" {
					w.Header().Set("Retry-After", retryAfter)
				}
				http.Error(w, "too many verification requests", http.StatusTooManyRequests)
				return
			}
			http.Error(w, "phone_number is required", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if cookie, err := r.Cookie(tokenCookieName); err == nil {
		if token := strings.TrimSpace(cookie.Value); token != "" {
			return token
		}
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func handleWSConn(conn *websocket.Conn, hub *roomHub, svc *Service, auditEmitter *audit.Emitter) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := "participant"
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}
	session := newWSSession(userID, peer)
	defer func() {
		if room := session.currentRoom(); room != nil {
			room.leave(session.peer)
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "talk.join":
			handleJoinFrame(conn.Request().Context(), session, hub, svc, auditEmitter, frame)
		case "talk.send":
			handleSendFrame(conn.Request().Context(), session, svc, auditEmitter, frame)
		case "talk.history.before":
			handleHistoryBeforeFrame(conn.Request().Context(), session, svc, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleJoinFrame(ctx context.Context, session *wsSession, hub *roomHub, svc *Service, auditEmitter *audit.Emitter, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	conversationID := strings.TrimSpace(payload.ConversationID)
	if conversationID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "conversation_id is required")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreQuery)
	conversation, err := svc.Conversation(callCtx, conversationID)
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err, "conversation lookup unavailable")
		return
	}
	if !conversationHasParticipant(conversation, session.userID) {
		log.Printf("messaging: participant required user=%q conversation=%q", session.userID, conversationID)
		emitAudit(ctx, auditEmitter, storage.AuditEvent{
			EventName:      audit.EventGatewayDenied,
			Severity:       string(audit.SeverityWarn),
			ConversationID: conversationID,
			ActorID:        session.userID,
		})
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "participant access required for conversation")
		return
	}

	callCtx, cancel = context.WithTimeout(ctx, timeouts.StoreQuery)
	recent, err := svc.Messages(callCtx, conversationID)
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err, "message lookup unavailable")
		return
	}

	room := hub.room(conversationID)
	previous := session.setRoom(room)
	if previous != nil && previous != room {
		previous.leave(session.peer)
	}
	room.join(session.peer)

	emitAudit(ctx, auditEmitter, storage.AuditEvent{
		EventName:      audit.EventGatewayJoin,
		ConversationID: conversationID,
		ActorID:        session.userID,
	})

	locale := matchLocale(payload.Locale)
	_ = session.peer.writeFrame(wsFrame{
		Type:      "talk.joined",
		RequestID: frame.RequestID,
		Payload: mustJSON(joinedPayload{
			ConversationID: conversationID,
			Topic:          conversation.Topic,
			MessageCount:   len(recent),
			ServerTime:     time.Now().UTC().Format(time.RFC3339),
		}),
	})
	_ = session.peer.writeFrame(wsFrame{
		Type: "talk.message",
		Payload: mustJSON(messageEnvelope{
			Message: talkMessage{
				MessageID:      fmt.Sprintf("sys_%d", time.Now().UnixNano()),
				ConversationID: conversationID,
				SenderID:       localizedSystemLabel(locale),
				Kind:           "system",
				Body:           localizedJoinWelcomeBody(locale, session.userID, conversation.Topic),
				SentAt:         time.Now().UTC().Format(time.RFC3339),
			},
		}),
	})
}

func handleSendFrame(ctx context.Context, session *wsSession, svc *Service, auditEmitter *audit.Emitter, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}

	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}

	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before sending")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreQuery)
	message, err := svc.SendMessage(callCtx, SendMessageInput{
		ConversationID: room.conversationID,
		SenderID:       session.userID,
		Kind:           payload.Kind,
		Body:           body,
	})
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err, "message delivery unavailable")
		return
	}

	emitAudit(ctx, auditEmitter, storage.AuditEvent{
		EventName:      audit.EventGatewaySend,
		ConversationID: message.ConversationID,
		ActorID:        session.userID,
	})

	_ = session.peer.writeFrame(wsFrame{
		Type:      "talk.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status:    "ok",
				MessageID: message.ID,
				SentAt:    message.CreatedAt.Format(time.RFC3339),
			},
		}),
	})

	room.broadcast(wsFrame{
		Type:    "talk.message",
		Payload: mustJSON(messageEnvelope{Message: wireMessage(message)}),
	})
}

func handleHistoryBeforeFrame(ctx context.Context, session *wsSession, svc *Service, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
		return
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultHistoryLimit
	}
	if payload.Limit > maxHistoryLimit {
		payload.Limit = maxHistoryLimit
	}

	room := session.currentRoom()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before requesting history")
		return
	}

	var history []storage.Message
	var err error
	callCtx, cancel := context.WithTimeout(ctx, timeouts.StoreQuery)
	if strings.TrimSpace(payload.Before) == "" {
		history, err = svc.Messages(callCtx, room.conversationID)
		if err == nil && len(history) > payload.Limit {
			history = history[:payload.Limit]
		}
	} else {
		var before time.Time
		before, err = time.Parse(time.RFC3339, strings.TrimSpace(payload.Before))
		if err != nil {
			cancel()
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "before must be an RFC 3339 timestamp")
			return
		}
		history, err = svc.MessagesBefore(callCtx, room.conversationID, before, payload.Limit)
	}
	cancel()
	if err != nil {
		writeDomainError(session.peer, frame.RequestID, err, "history lookup unavailable")
		return
	}

	for _, message := range history {
		_ = session.peer.writeFrame(wsFrame{
			Type:    "talk.message",
			Payload: mustJSON(messageEnvelope{Message: wireMessage(message)}),
		})
	}
	_ = session.peer.writeFrame(wsFrame{
		Type:      "talk.ack",
		RequestID: frame.RequestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status: "ok",
				Count:  len(history),
			},
		}),
	})
}

func conversationHasParticipant(conversation storage.Conversation, userID string) bool {
	userID = strings.TrimSpace(userID)
	for _, participantID := range conversation.ParticipantIDs {
		if participantID == userID {
			return true
		}
	}
	return false
}

func wireMessage(message storage.Message) talkMessage {
	return talkMessage{
		MessageID:      message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Kind:           message.Kind,
		Body:           message.Body,
		SentAt:         message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func emitAudit(ctx context.Context, auditEmitter *audit.Emitter, event storage.AuditEvent) {
	if auditEmitter == nil {
		return
	}
	_ = auditEmitter.Emit(ctx, event)
}

// writeDomainError maps service errors onto gateway wire codes.
func writeDomainError(peer *wsPeer, requestID string, err error, fallback string) {
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		_ = writeWSError(peer, requestID, appErr.GatewayCode(), appErr.Message)
		return
	}
	_ = writeWSError(peer, requestID, "UNAVAILABLE", fallback)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "talk.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured messaging server around an existing service.
func NewServer(config Config, svc *Service) (*Server, error) {
	if svc == nil {
		return nil, errors.New("messaging service is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandlerWithAuthenticator(svc, tokenAuthenticator{cfg: config.Auth}, svc.audit),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a messaging server until the context ends.
func Run(ctx context.Context, config Config, svc *Service) error {
	server, err := NewServer(config, svc)
	if err != nil {
		return fmt.Errorf("init messaging server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve messaging: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("messaging server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("messaging server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
