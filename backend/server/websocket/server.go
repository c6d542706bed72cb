package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/socket-chat/backend/metrics"
	"github.com/adwski/socket-chat/backend/model"
	"github.com/adwski/socket-chat/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultRelaySessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 1 << 20
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second

	identityRoomKey = "roomId"
	identityUserKey = "userId"

	rejectBody = "Something Went Wrong"
)

var (
	ErrUnexpected      = errors.New("unexpected server error")
	ErrSessionsPending = errors.New("relay sessions did not close in time")
)

type (
	RelayService interface {
		NewSession(roomID, userID string) (*service.Session, error)
		OpenSession(ctx context.Context, sess *service.Session) error
		CloseSession(ctx context.Context, sess *service.Session) error
	}

	Config struct {
		Logger         *zerolog.Logger
		RelayService   RelayService
		Metrics        *metrics.Metrics
		ListenAddr     string
		MaxMessageSize int64
		PingInterval   time.Duration
		PongWait       time.Duration
	}

	Server struct {
		svc     RelayService
		ws      *websocket.Upgrader
		metrics *metrics.Metrics
		*http.Server

		maxMessageSize int64
		pingInterval   time.Duration
		pongWait       time.Duration

		// parent of every connection context, canceled on shutdown
		connCtx    context.Context
		connCancel context.CancelFunc
		conns      *sync.WaitGroup

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:     cfg.RelayService,
		metrics: cfg.Metrics,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		maxMessageSize: valueOrDefault(cfg.MaxMessageSize, defaultWebSocketMaxMessageSize),
		pingInterval:   valueOrDefault(cfg.PingInterval, defaultPingInterval),
		pongWait:       valueOrDefault(cfg.PongWait, defaultPongWait),
		conns:          &sync.WaitGroup{},
	}
	srv.connCtx, srv.connCancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func valueOrDefault[T int64 | time.Duration](v, def T) T {
	if v <= 0 {
		return def
	}
	return v
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
		if err := srv.closeConnections(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("relay sessions were not closed")
		}
	}
}

// closeConnections ends every hijacked connection, which Shutdown does not
// track, and waits until their relay sessions are closed and announced.
func (srv *Server) closeConnections(ctx context.Context) error {
	srv.connCancel()
	done := make(chan struct{})
	go func() {
		srv.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrSessionsPending, ctx.Err())
	}
}

// identity reads the asserted room and user ids, cookies first, then query.
func identity(r *http.Request) (roomID, userID string) {
	lookup := func(key string) string {
		if c, err := r.Cookie(key); err == nil && c.Value != "" {
			return c.Value
		}
		return r.URL.Query().Get(key)
	}
	return lookup(identityRoomKey), lookup(identityUserKey)
}

func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	roomID, userID := identity(r)
	sess, err := srv.svc.NewSession(roomID, userID)
	if err != nil {
		srv.metrics.Rejected.Inc()
		srv.logger.Debug().Err(err).Msg("upgrade rejected")
		http.Error(w, rejectBody, http.StatusInternalServerError)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(srv.connCtx) // long-living wire context

	if err = srv.svc.OpenSession(ctx, sess); err != nil {
		srv.logger.Error().Err(err).Msg("failed to open relay session")
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}

	srv.conns.Add(1)
	go func() {
		defer srv.conns.Done()
		srv.handleWSConn(ctx, cancel, conn, sess)
	}()
}

func (srv *Server) destroySession(sess *service.Session, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultRelaySessionCloseTimeout))
	defer cancel()
	if err := srv.svc.CloseSession(ctx, sess); err != nil {
		logger.Error().Err(err).Msg("failed to close relay session")
		return
	}
	logger.Debug().Msg("relay session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	sess *service.Session,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("roomID", sess.RoomID).
		Str("userID", sess.UserID).
		Str("sessionID", sess.SessionID).
		Logger()

	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, sess.Wire.RX, &logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, sess.Wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(sess, &logger)
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Message,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(srv.pingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			msgType := websocket.TextMessage
			if msg.Binary {
				msgType = websocket.BinaryMessage
			}

			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(msgType)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(msg.Data)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	rx chan<- model.Message,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	// unblock ReadMessage once the connection context is done
	stop := context.AfterFunc(ctx, func() {
		_ = conn.UnderlyingConn().SetReadDeadline(time.Now())
	})
	defer stop()

	conn.SetReadLimit(srv.maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(srv.pongWait)
	})
	err := readDeadLineFunc(srv.pongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			msgType, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if ctx.Err() != nil {
					logger.Debug().Msg("receive stopped")
					break RecvLoop
				}
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			select {
			case rx <- model.Message{Binary: msgType == websocket.BinaryMessage, Data: msg}:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
