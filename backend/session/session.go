// Package session implements the client side of a chat room connection:
// building outbound frames, interpreting inbound frames and keeping the
// ephemeral per-room state (display names and the displayed entries).
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/adwski/socket-chat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrConnect       = errors.New("unable to connect to relay")
	ErrInvalidConfig = errors.New("room id, user id and secret are required")
)

type (
	// Transport is the write side of a connection. *websocket.Conn satisfies it.
	Transport interface {
		WriteMessage(messageType int, data []byte) error
	}

	// Entry is one line of the display list. UserID is empty for system lines.
	Entry struct {
		UserID string
		Text   string
	}

	Config struct {
		Logger    *zerolog.Logger
		Transport Transport
		RoomID    string
		UserID    string
		Secret    string
	}

	Session struct {
		tr     Transport
		roomID string
		userID string
		secret string
		logger zerolog.Logger

		wmx *sync.Mutex // one concurrent writer per connection

		mx      *sync.Mutex
		names   map[string]string
		entries []Entry
	}
)

func New(cfg Config) *Session {
	return &Session{
		tr:     cfg.Transport,
		roomID: cfg.RoomID,
		userID: cfg.UserID,
		secret: cfg.Secret,
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("roomID", cfg.RoomID).
			Str("userID", cfg.UserID).
			Logger(),
		wmx:   &sync.Mutex{},
		mx:    &sync.Mutex{},
		names: make(map[string]string),
	}
}

func (s *Session) UserID() string { return s.userID }
func (s *Session) RoomID() string { return s.roomID }
func (s *Session) Secret() string { return s.secret }

// SendText transmits text as a single binary frame. It returns false without
// error if the frame could not be encoded, in which case nothing is sent.
func (s *Session) SendText(text string) (bool, error) {
	b := BuildTextFrame(text, s.secret)
	if b == nil {
		s.logger.Debug().Msg("message dropped, encoding failed")
		return false, nil
	}
	return s.write(b)
}

// SendNameUpdate transmits a name change. The frame carries no content segment.
func (s *Session) SendNameUpdate(name string) (bool, error) {
	b := BuildNameUpdate(strings.TrimSpace(name), s.secret)
	if b == nil {
		s.logger.Debug().Msg("name update dropped, encoding failed")
		return false, nil
	}
	return s.write(b)
}

func (s *Session) write(b []byte) (bool, error) {
	s.wmx.Lock()
	defer s.wmx.Unlock()
	if err := s.tr.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return false, err
	}
	s.logger.Trace().Int("size", len(b)).Msg("frame sent")
	return true, nil
}

// OnInbound interprets one inbound frame and applies it to session state.
// ok is false if the frame was discarded.
func (s *Session) OnInbound(b []byte) (Event, bool) {
	ev, err := Decode(b, s.secret)
	if err != nil {
		s.logger.Trace().Err(err).Int("size", len(b)).Msg("frame discarded")
		return Event{}, false
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	switch ev.Kind {
	case EventSystem:
		s.entries = append(s.entries, Entry{Text: ev.Text})
	case EventName:
		s.names[ev.SenderID] = ev.Name
		s.entries = append(s.entries, Entry{Text: ev.Text})
	case EventText:
		s.entries = append(s.entries, Entry{UserID: ev.SenderID, Text: ev.Text})
	}
	return ev, true
}

// DisplayName returns the announced name of a user or its short id.
func (s *Session) DisplayName(userID string) string {
	s.mx.Lock()
	defer s.mx.Unlock()
	if name, ok := s.names[userID]; ok {
		return name
	}
	return model.ShortID(userID)
}

func (s *Session) Names() map[string]string {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make(map[string]string, len(s.names))
	for k, v := range s.names {
		out[k] = v
	}
	return out
}

func (s *Session) Entries() []Entry {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Conn is a session bound to a live websocket connection.
type Conn struct {
	*Session
	ws *websocket.Conn
}

// DialConfig describes a relay connection.
type DialConfig struct {
	Logger *zerolog.Logger
	URL    string
	RoomID string
	UserID string
	Secret string
}

// Dial connects to the relay asserting room and user ids through cookies.
// The secret never leaves the client.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	if cfg.RoomID == "" || cfg.UserID == "" || cfg.Secret == "" {
		return nil, ErrInvalidConfig
	}
	hdr := http.Header{}
	hdr.Set("Cookie", "roomId="+cfg.RoomID+"; userId="+cfg.UserID)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, hdr)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Join(ErrConnect, err)
	}
	return &Conn{
		Session: New(Config{
			Logger:    cfg.Logger,
			Transport: ws,
			RoomID:    cfg.RoomID,
			UserID:    cfg.UserID,
			Secret:    cfg.Secret,
		}),
		ws: ws,
	}, nil
}

// Run reads frames until the connection fails or ctx is done, passing every
// decoded event to handler. A discarded frame never stops the loop.
func (c *Conn) Run(ctx context.Context, handler func(Event)) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.Close()
	})
	defer stop()

	for {
		msgType, b, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msgType != websocket.BinaryMessage {
			c.logger.Trace().Msg("non binary message ignored")
			continue
		}
		if ev, ok := c.OnInbound(b); ok && handler != nil {
			handler(ev)
		}
	}
}

// Close sends a close message and closes the connection.
func (c *Conn) Close() error {
	c.wmx.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.wmx.Unlock()
	return c.ws.Close()
}
