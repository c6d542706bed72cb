package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/socket-chat/backend/frame"
	"github.com/adwski/socket-chat/backend/metrics"
	"github.com/adwski/socket-chat/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultTXBuffer = 64
)

var (
	ErrIdentity   = errors.New("room id and user id must be 32 hex characters")
	ErrNotOpen    = errors.New("session is not open")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrStamp      = errors.New("unable to stamp server metadata")
	ErrBroadcast  = errors.New("unable to broadcast")
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type (
	Switch interface {
		Connect(roomID string, p model.Participant) error
		Disconnect(roomID, sessionID string) error
		Broadcast(ctx context.Context, msg model.Message, roomID string) (int, error)
	}

	// Session is the relay side of one physical connection.
	Session struct {
		RoomID    string
		UserID    string
		SessionID string
		Wire      model.Wire

		mx    *sync.Mutex
		state State
	}

	Service struct {
		sw       Switch
		logger   zerolog.Logger
		metrics  *metrics.Metrics
		now      func() time.Time
		txBuffer int
	}

	Config struct {
		Switch   Switch
		Logger   *zerolog.Logger
		Metrics  *metrics.Metrics
		TXBuffer int
	}
)

func NewService(cfg Config) *Service {
	txBuffer := cfg.TXBuffer
	if txBuffer <= 0 {
		txBuffer = defaultTXBuffer
	}
	return &Service{
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		metrics:  cfg.Metrics,
		now:      time.Now,
		txBuffer: txBuffer,
	}
}

func (s *Session) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// NewSession mints a session for an asserted identity. Both ids must be
// well formed, otherwise the server trailer could not carry them.
// The session is CONNECTING until OpenSession succeeds.
func (svc *Service) NewSession(roomID, userID string) (*Session, error) {
	if !model.ValidID(roomID) || !model.ValidID(userID) {
		return nil, ErrIdentity
	}
	return &Session{
		RoomID:    roomID,
		UserID:    userID,
		SessionID: uuid.NewString(),
		Wire:      model.NewWire(svc.txBuffer),
		mx:        &sync.Mutex{},
		state:     StateConnecting,
	}, nil
}

// OpenSession subscribes the session to its room, announces it to the whole
// room including the new member and starts forwarding its inbound messages.
// Forwarding stops when ctx is done.
func (svc *Service) OpenSession(ctx context.Context, sess *Session) error {
	sess.mx.Lock()
	defer sess.mx.Unlock()
	if sess.state != StateConnecting {
		return ErrNotOpen
	}

	err := svc.sw.Connect(sess.RoomID, model.Participant{
		UserID:      sess.UserID,
		SessionID:   sess.SessionID,
		ConnectedAt: svc.now(),
		Wire:        sess.Wire,
	})
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	sess.state = StateOpen
	svc.metrics.Connections.Inc()
	svc.sessionLogger(sess).Debug().Msg("relay session opened")

	svc.announce(ctx, sess, model.EventUserConnected)
	go svc.forward(ctx, sess)
	return nil
}

// CloseSession announces the disconnect and releases the subscription.
// Closing a session twice or one that was never opened is a no-op.
func (svc *Service) CloseSession(ctx context.Context, sess *Session) error {
	sess.mx.Lock()
	prev := sess.state
	sess.state = StateClosed
	sess.mx.Unlock()
	if prev != StateOpen {
		return nil
	}

	svc.announce(ctx, sess, model.EventUserDisconnected)
	err := svc.sw.Disconnect(sess.RoomID, sess.SessionID)
	svc.metrics.Connections.Dec()
	if err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.sessionLogger(sess).Debug().Msg("relay session closed")
	return nil
}

// Relay stamps an inbound binary message with server metadata and publishes
// it to the session's room. The payload is never inspected.
func (svc *Service) Relay(ctx context.Context, sess *Session, msg model.Message) error {
	if sess.State() != StateOpen {
		return ErrNotOpen
	}
	logger := svc.sessionLogger(sess)
	if !msg.Binary {
		logger.Debug().Msg("text message dropped")
		return nil
	}
	b, err := frame.AppendTrailer(msg.Data, svc.serverMetadata(sess, model.EventSendMessage))
	if err != nil {
		return errors.Join(ErrStamp, err)
	}
	n, err := svc.sw.Broadcast(ctx, model.Message{Binary: true, Data: b}, sess.RoomID)
	if err != nil {
		return errors.Join(ErrBroadcast, err)
	}
	svc.metrics.FramesRelayed.Inc()
	svc.metrics.BytesRelayed.Add(float64(len(b)))
	logger.Trace().
		Int("size", len(b)).
		Int("receivers", n).
		Msg("frame relayed")
	return nil
}

func (svc *Service) forward(ctx context.Context, sess *Session) {
	logger := svc.sessionLogger(sess)
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case msg := <-sess.Wire.RX:
			if err := svc.Relay(ctx, sess, msg); err != nil {
				logger.Error().Err(err).Msg("failed to relay message")
			}
		}
	}
}

func (svc *Service) announce(ctx context.Context, sess *Session, event int) {
	b, err := frame.ServerTrailer(svc.serverMetadata(sess, event))
	if err != nil {
		svc.sessionLogger(sess).Error().Err(err).Int("event", event).Msg("failed to build announcement")
		return
	}
	if _, err = svc.sw.Broadcast(ctx, model.Message{Binary: true, Data: b}, sess.RoomID); err != nil {
		svc.sessionLogger(sess).Error().Err(err).Int("event", event).Msg("failed to broadcast announcement")
		return
	}
	svc.metrics.Announcements.WithLabelValues(strconv.Itoa(event)).Inc()
}

func (svc *Service) serverMetadata(sess *Session, event int) model.Metadata {
	return model.Metadata{
		Event:     event,
		UserID:    sess.UserID,
		SessionID: sess.SessionID,
		Timestamp: svc.now().UnixMilli(),
	}
}

func (svc *Service) sessionLogger(sess *Session) *zerolog.Logger {
	logger := svc.logger.With().
		Str("roomID", sess.RoomID).
		Str("userID", sess.UserID).
		Str("sessionID", sess.SessionID).
		Logger()
	return &logger
}
