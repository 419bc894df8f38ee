package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openvtt/vttserver/internal/protocol"
	"github.com/openvtt/vttserver/internal/storage/assets"
	"github.com/openvtt/vttserver/internal/storage/postgres"
)

// UserStore defines the user persistence operations required by a Session.
type UserStore interface {
	FindOrCreate(ctx context.Context, name string) (postgres.User, error)
	GetByID(ctx context.Context, id int64) (postgres.User, error)
}

// MessageStore defines the message persistence operations required by a Session.
type MessageStore interface {
	Create(ctx context.Context, text string, ts time.Time, userID int64) (postgres.Message, error)
	FindByTimeRange(ctx context.Context, start, end time.Time) ([]postgres.Message, error)
}

// AssetStore resolves named assets to raw bytes.
type AssetStore interface {
	LoadBytes(relativeName string) ([]byte, error)
}

// Transport is the subset of *websocket.Conn a Session drives. Reads and
// writes happen on separate goroutines, matching gorilla's one-reader,
// one-writer contract.
type Transport interface {
	ReadMessage() (messageType int, payload []byte, err error)
	WriteMessage(messageType int, payload []byte) error
	SetWriteDeadline(t time.Time) error
}

// Services bundles the process-wide collaborators shared by every Session.
type Services struct {
	Mailboxes  *Mailboxes
	Identities *Identities
	Users      UserStore
	Messages   MessageStore
	Assets     AssetStore
}

// SessionConfig holds the per-session tunables the acceptor hands down.
type SessionConfig struct {
	WriteTimeout      time.Duration
	DefaultBackground string
	MessagesPerSecond float64
	Burst             int
}

// Session is the per-connection protocol state machine. It moves through
// three states: connected (provisional negative handle, no user),
// authenticated (stable handle, user set), and closed. The handle changes
// exactly once, on successful authentication.
type Session struct {
	conn   Transport
	svc    *Services
	cfg    SessionConfig
	logger *zap.Logger

	// id correlates log lines for one connection across its lifetime.
	id      string
	handle  int64
	user    *postgres.User
	wake    <-chan struct{}
	limiter *rate.Limiter
}

// NewSession creates a Session for an upgraded connection. The session is
// assigned a unique provisional handle so concurrently connecting anonymous
// clients never share a mailbox.
//
// Precondition: conn, svc, and logger must be non-nil.
func NewSession(conn Transport, svc *Services, cfg SessionConfig, logger *zap.Logger) *Session {
	handle := svc.Identities.Provisional()
	id := uuid.NewString()
	return &Session{
		conn:    conn,
		svc:     svc,
		cfg:     cfg,
		logger:  logger.With(zap.String("session_id", id), zap.Int64("handle", handle)),
		id:      id,
		handle:  handle,
		limiter: rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.Burst),
	}
}

// Handle returns the session's current handle. Negative until authenticated.
func (s *Session) Handle() int64 {
	return s.handle
}

// inboundFrame carries one ReadMessage result from the reader goroutine.
type inboundFrame struct {
	messageType int
	payload     []byte
	err         error
}

// Run drives the session until the client closes, the transport fails, or
// ctx is cancelled. The caller owns the underlying connection and tears it
// down after Run returns; once cancellation is observed no further writes
// are attempted.
//
// Postcondition: The session's mailbox is removed from the registry except
// on the cancellation path, where the acceptor-wide shutdown discards all
// registries anyway.
func (s *Session) Run(ctx context.Context) error {
	s.svc.Mailboxes.Register(s.handle)
	s.wake = s.svc.Mailboxes.Wake(s.handle)

	// The first bytes the client receives are an AuthenticateRequest.
	s.svc.Mailboxes.Enqueue(s.handle, protocol.OpAuthenticateRequest, nil, nil)
	if err := s.flush(); err != nil {
		s.svc.Mailboxes.Remove(s.handle)
		return fmt.Errorf("writing authenticate request: %w", err)
	}

	frames := make(chan inboundFrame)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			mt, payload, err := s.conn.ReadMessage()
			select {
			case frames <- inboundFrame{messageType: mt, payload: payload, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session observed shutdown")
			return nil

		case <-s.wake:
			if err := s.flush(); err != nil {
				s.teardown()
				return fmt.Errorf("flushing mailbox: %w", err)
			}

		case frame := <-frames:
			if frame.err != nil {
				s.teardown()
				if isNormalClose(frame.err) {
					s.logger.Info("client disconnected")
					return nil
				}
				return fmt.Errorf("reading frame: %w", frame.err)
			}

			if frame.messageType == websocket.TextMessage {
				s.dispatch(ctx, frame.payload)
			}
			// Binary and control frames produce no handler action, but
			// the drain-and-flush still runs.
			if err := s.flush(); err != nil {
				s.teardown()
				return fmt.Errorf("flushing mailbox: %w", err)
			}
		}
	}
}

// dispatch decodes one text frame and routes it to the opcode handler.
// A malformed payload is logged and dropped; the session continues.
func (s *Session) dispatch(ctx context.Context, payload []byte) {
	if !s.limiter.Allow() {
		s.logger.Warn("inbound rate limit exceeded, dropping frame")
		return
	}

	cmd, err := protocol.Decode(payload)
	if err != nil {
		s.logger.Error("dropping undecodable frame", zap.Error(err))
		return
	}

	switch cmd.Type {
	case protocol.OpAuthenticateSend:
		s.handleAuthenticate(ctx, cmd)
	case protocol.OpBroadcastRequest:
		s.handleBroadcast(ctx, cmd)
	case protocol.OpBroadcastGetRequest:
		s.handleBroadcastGet(ctx, cmd)
	case protocol.OpScene2DRequest:
		s.handleScene2D(cmd)
	default:
		// None and unhandled opcodes are no-ops.
	}
}

// handleAuthenticate resolves a stable handle for the submitted name,
// re-homes the session's mailbox to it, and announces the arrival. Any
// failure fails closed with an AuthenticateFail.
func (s *Session) handleAuthenticate(ctx context.Context, cmd protocol.Command) {
	// The handle mutates exactly once, on the first successful
	// authentication. A repeat AuthenticateSend is dropped.
	if s.user != nil {
		s.logger.Warn("ignoring authenticate on already-authenticated session",
			zap.String("requested_name", cmd.Data["name"]))
		return
	}

	name := cmd.Data["name"]
	if name == "" {
		s.logger.Warn("authenticate without name")
		s.svc.Mailboxes.Enqueue(s.handle, protocol.OpAuthenticateFail, nil, nil)
		return
	}

	user, err := s.svc.Users.FindOrCreate(ctx, name)
	if err != nil {
		s.logger.Error("resolving user", zap.String("name", name), zap.Error(err))
		s.svc.Mailboxes.Enqueue(s.handle, protocol.OpAuthenticateFail, nil, nil)
		return
	}

	stable := s.svc.Identities.Resolve(strconv.FormatInt(user.ID, 10))
	previous := s.handle
	s.user = &user
	s.handle = stable
	s.svc.Mailboxes.Rehome(previous, stable)
	s.wake = s.svc.Mailboxes.Wake(stable)
	s.logger = s.logger.With(zap.Int64("client_id", stable), zap.String("username", name))

	s.svc.Mailboxes.Enqueue(stable, protocol.OpAuthenticateSuccess, map[string]string{
		"clientId": strconv.FormatInt(stable, 10),
		"username": name,
	}, nil)
	s.svc.Mailboxes.Broadcast(fmt.Sprintf("%s (%d) connected!", name, stable))
	s.logger.Info("session authenticated")
}

// handleBroadcast relays a chat line to every registered handle and
// persists it. The broadcast is not retracted if persistence fails.
func (s *Session) handleBroadcast(ctx context.Context, cmd protocol.Command) {
	text := cmd.Data["text"]
	if text == "" || s.user == nil {
		return
	}

	s.svc.Mailboxes.Broadcast(fmt.Sprintf("%s: %s", s.user.DisplayName(), text))

	if _, err := s.svc.Messages.Create(ctx, text, time.Now(), s.user.ID); err != nil {
		s.logger.Error("persisting message", zap.Error(err))
	}
}

// handleBroadcastGet replays persisted messages in [start, end] to the
// requesting handle only, in chronological order.
func (s *Session) handleBroadcastGet(ctx context.Context, cmd protocol.Command) {
	start, err := strconv.ParseInt(cmd.Data["start"], 10, 64)
	if err != nil {
		s.logger.Warn("history request with bad start", zap.String("start", cmd.Data["start"]))
		return
	}
	end, err := strconv.ParseInt(cmd.Data["end"], 10, 64)
	if err != nil {
		s.logger.Warn("history request with bad end", zap.String("end", cmd.Data["end"]))
		return
	}

	messages, err := s.svc.Messages.FindByTimeRange(ctx, time.Unix(start, 0), time.Unix(end, 0))
	if err != nil {
		s.logger.Error("querying message history", zap.Error(err))
		return
	}

	for _, msg := range messages {
		text := msg.Text
		if name := s.authorName(ctx, msg); name != "" {
			text = name + ": " + msg.Text
		}
		s.svc.Mailboxes.Enqueue(s.handle, protocol.OpBroadcastResponse,
			map[string]string{"text": text}, nil)
	}
}

// authorName resolves a message author's display name, or "" when the
// author is missing or the lookup fails.
func (s *Session) authorName(ctx context.Context, msg postgres.Message) string {
	if msg.UserID == nil {
		return ""
	}
	user, err := s.svc.Users.GetByID(ctx, *msg.UserID)
	if err != nil {
		if !errors.Is(err, postgres.ErrUserNotFound) {
			s.logger.Warn("resolving message author", zap.Int64("user_id", *msg.UserID), zap.Error(err))
		}
		return ""
	}
	return user.DisplayName()
}

// handleScene2D replies with the named background image and its pixel
// dimensions. Load failures are logged and produce no reply.
func (s *Session) handleScene2D(cmd protocol.Command) {
	name := cmd.Data["name"]
	if name == "" {
		name = s.cfg.DefaultBackground
	}

	data, err := s.svc.Assets.LoadBytes(name)
	if err != nil {
		s.logger.Error("loading scene background", zap.String("asset", name), zap.Error(err))
		return
	}

	width, height, err := assets.ImageSize(data)
	if err != nil {
		s.logger.Error("probing scene background", zap.String("asset", name), zap.Error(err))
		return
	}

	s.svc.Mailboxes.Enqueue(s.handle, protocol.OpScene2DResponse,
		map[string]string{
			"height": strconv.Itoa(height),
			"width":  strconv.Itoa(width),
		},
		map[string]string{
			"background": base64.StdEncoding.EncodeToString(data),
		})
}

// flush drains the session's mailbox and writes the batch as one text
// frame. Nothing is written when the mailbox is empty.
func (s *Session) flush() error {
	batch := s.svc.Mailboxes.Drain(s.handle)
	if len(batch) == 0 {
		return nil
	}

	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return s.conn.WriteMessage(websocket.TextMessage, protocol.EncodeBatch(batch))
}

// teardown removes the session's mailbox, discarding anything still queued,
// and announces the departure to the remaining sessions.
func (s *Session) teardown() {
	_ = s.svc.Mailboxes.Remove(s.handle)
	if s.user != nil {
		s.svc.Mailboxes.Broadcast(fmt.Sprintf("%s (%d) disconnected!", s.user.DisplayName(), s.handle))
	}
}

// isNormalClose reports whether a read error represents an orderly close
// handshake rather than a transport fault.
func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
