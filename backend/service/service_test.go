package service

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/adwski/socket-chat/backend/frame"
	"github.com/adwski/socket-chat/backend/metrics"
	"github.com/adwski/socket-chat/backend/model"
	"github.com/adwski/socket-chat/backend/storage/memory"
	sw "github.com/adwski/socket-chat/backend/switch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	frozen = time.UnixMilli(1760000000000)

	roomID = model.NewID()
	alice  = model.NewID()
	bob    = model.NewID()
)

func newTestService(t *testing.T) (*Service, *memory.MemStore, *metrics.Metrics) {
	t.Helper()
	logger := zerolog.Nop()
	m := metrics.New(prometheus.NewRegistry())
	store := memory.NewMemStore()
	svc := NewService(Config{
		Switch:   sw.NewSwitch(&logger, store, m),
		Logger:   &logger,
		Metrics:  m,
		TXBuffer: 16,
	})
	svc.now = func() time.Time { return frozen }
	return svc, store, m
}

func openSession(t *testing.T, ctx context.Context, svc *Service, roomID, userID string) *Session {
	t.Helper()
	sess, err := svc.NewSession(roomID, userID)
	require.NoError(t, err)
	require.Equal(t, StateConnecting, sess.State())
	require.NoError(t, svc.OpenSession(ctx, sess))
	require.Equal(t, StateOpen, sess.State())
	return sess
}

func receive(t *testing.T, sess *Session) model.Metadata {
	t.Helper()
	select {
	case msg := <-sess.Wire.TX:
		require.True(t, msg.Binary)
		u, err := frame.UnpackAtClient(msg.Data)
		require.NoError(t, err)
		return u.Server
	case <-time.After(time.Second):
		t.Fatal("nothing received")
	}
	return model.Metadata{}
}

func TestNewSessionRequiresIdentity(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name   string
		roomID string
		userID string
	}{
		{name: "no room", roomID: "", userID: alice},
		{name: "no user", roomID: roomID, userID: ""},
		{name: "oversized user", roomID: roomID, userID: strings.Repeat("u", 80)},
		{name: "short user", roomID: roomID, userID: "abc123"},
		{name: "quoted user", roomID: roomID, userID: strings.Repeat(`"`, 32)},
		{name: "non hex room", roomID: strings.Repeat("z", 32), userID: alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := svc.NewSession(tt.roomID, tt.userID)
			assert.ErrorIs(t, err, ErrIdentity)
			assert.Nil(t, sess)
		})
	}

	s1, err := svc.NewSession(roomID, alice)
	require.NoError(t, err)
	s2, err := svc.NewSession(roomID, alice)
	require.NoError(t, err)
	assert.NotEqual(t, s1.SessionID, s2.SessionID)

	// the longest accepted identity still fits the trailer
	_, err = frame.ServerTrailer(svc.serverMetadata(s1, model.EventUserDisconnected))
	assert.NoError(t, err)
}

func TestLifecycleAnnouncements(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, store, m := newTestService(t)

	a := openSession(t, ctx, svc, roomID, alice)
	got := receive(t, a)
	assert.Equal(t, model.Metadata{
		Event:     model.EventUserConnected,
		UserID:    alice,
		SessionID: a.SessionID,
		Timestamp: frozen.UnixMilli(),
	}, got)

	b := openSession(t, ctx, svc, roomID, bob)
	for _, sess := range []*Session{a, b} {
		got = receive(t, sess)
		assert.Equal(t, model.EventUserConnected, got.Event)
		assert.Equal(t, bob, got.UserID)
		assert.Equal(t, b.SessionID, got.SessionID)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Connections))

	require.NoError(t, svc.CloseSession(ctx, b))
	assert.Equal(t, StateClosed, b.State())
	for _, sess := range []*Session{a, b} {
		got = receive(t, sess)
		assert.Equal(t, model.EventUserDisconnected, got.Event)
		assert.Equal(t, bob, got.UserID)
	}

	// idempotent
	require.NoError(t, svc.CloseSession(ctx, b))
	assert.Empty(t, a.Wire.TX)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))

	require.NoError(t, svc.CloseSession(ctx, a))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
}

func TestCloseWithoutOpen(t *testing.T) {
	svc, store, _ := newTestService(t)
	sess, err := svc.NewSession(roomID, alice)
	require.NoError(t, err)

	require.NoError(t, svc.CloseSession(context.Background(), sess))
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, 0, store.Len())

	assert.ErrorIs(t, svc.OpenSession(context.Background(), sess), ErrNotOpen)
}

func TestRelayStampsAndFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _, m := newTestService(t)

	const n = 5
	sessions := make([]*Session, 0, n)
	for range n {
		sessions = append(sessions, openSession(t, ctx, svc, roomID, model.NewID()))
	}
	// drain connect announcements
	for i, sess := range sessions {
		for range n - i {
			receive(t, sess)
		}
	}

	sender := sessions[2]
	payload := bytes.Repeat([]byte{0xab}, 300)
	sender.Wire.RX <- model.Message{Binary: true, Data: payload}

	for _, sess := range sessions {
		select {
		case msg := <-sess.Wire.TX:
			require.Len(t, msg.Data, len(payload)+model.ServerMetadataLength)
			assert.Equal(t, payload, msg.Data[:len(payload)])
			u, err := frame.UnpackAtClient(msg.Data)
			require.NoError(t, err)
			assert.Equal(t, model.EventSendMessage, u.Server.Event)
			assert.Equal(t, sender.UserID, u.Server.UserID)
			assert.Equal(t, sender.SessionID, u.Server.SessionID)
			assert.Equal(t, frozen.UnixMilli(), u.Server.Timestamp)
		case <-time.After(time.Second):
			t.Fatal("frame not delivered")
		}
	}
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.FramesRelayed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRelayDropsTextAndClosedSessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _, _ := newTestService(t)

	a := openSession(t, ctx, svc, roomID, alice)
	receive(t, a)

	require.NoError(t, svc.Relay(ctx, a, model.Message{Data: []byte(`{"legacy":true}`)}))
	assert.Empty(t, a.Wire.TX)

	require.NoError(t, svc.CloseSession(ctx, a))
	receive(t, a)
	assert.ErrorIs(t, svc.Relay(ctx, a, model.Message{Binary: true, Data: []byte("x")}), ErrNotOpen)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CONNECTING", StateConnecting.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
