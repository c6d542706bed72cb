package session

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/socket-chat/backend/codec"
	"github.com/adwski/socket-chat/backend/frame"
	"github.com/adwski/socket-chat/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sharedSecret = strings.Repeat("a", 64)
	wrongSecret  = strings.Repeat("b", 64)

	errBrokenPipe = errors.New("broken pipe")
)

type fakeTransport struct {
	mx   sync.Mutex
	sent [][]byte
	err  error
}

func (ft *fakeTransport) WriteMessage(messageType int, data []byte) error {
	ft.mx.Lock()
	defer ft.mx.Unlock()
	if ft.err != nil {
		return ft.err
	}
	if messageType != websocket.BinaryMessage {
		return errors.New("unexpected message type")
	}
	ft.sent = append(ft.sent, bytes.Clone(data))
	return nil
}

func (ft *fakeTransport) last(t *testing.T) []byte {
	t.Helper()
	ft.mx.Lock()
	defer ft.mx.Unlock()
	require.NotEmpty(t, ft.sent)
	return ft.sent[len(ft.sent)-1]
}

func newTestSession(secret string) (*Session, *fakeTransport) {
	logger := zerolog.Nop()
	tr := &fakeTransport{}
	return New(Config{
		Logger:    &logger,
		Transport: tr,
		RoomID:    model.NewID(),
		UserID:    model.NewID(),
		Secret:    secret,
	}), tr
}

// relay imitates the trailer stamping done by the relay.
func relay(t *testing.T, payload []byte, userID string) []byte {
	t.Helper()
	b, err := frame.AppendTrailer(payload, model.Metadata{
		Event:     model.EventSendMessage,
		UserID:    userID,
		SessionID: "3b241101-e2bb-4255-8caf-4136c566a962",
		Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return b
}

func TestEndToEnd(t *testing.T) {
	a, trA := newTestSession(sharedSecret)
	b, _ := newTestSession(sharedSecret)
	c, _ := newTestSession(wrongSecret)

	sent, err := a.SendText("hello")
	require.NoError(t, err)
	require.True(t, sent)

	raw := relay(t, trA.last(t), a.UserID())

	ev, ok := b.OnInbound(raw)
	require.True(t, ok)
	assert.Equal(t, EventText, ev.Kind)
	assert.Equal(t, a.UserID(), ev.SenderID)
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, []Entry{{UserID: a.UserID(), Text: "hello"}}, b.Entries())

	_, ok = c.OnInbound(raw)
	assert.False(t, ok)
	assert.Empty(t, c.Entries())
}

func TestSendTextFrameLayout(t *testing.T) {
	a, tr := newTestSession(sharedSecret)
	_, err := a.SendText("hello")
	require.NoError(t, err)

	b := tr.last(t)
	require.Greater(t, len(b), model.ClientMetadataLength)
	meta := b[len(b)-model.ClientMetadataLength:]
	plain := codec.Decrypt(meta, sharedSecret, false)
	require.Len(t, plain, model.ClientMetadataPlainLength)
	assert.Equal(t, `{"e":1}`, strings.TrimSpace(string(plain)))

	content := b[:len(b)-model.ClientMetadataLength]
	assert.Equal(t, "hello", codec.DecryptToString(content, sharedSecret, true))
}

func TestSendDroppedOnEncodingFailure(t *testing.T) {
	s, tr := newTestSession("not a hex secret")

	sent, err := s.SendText("hello")
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.SendNameUpdate("Bob")
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Empty(t, tr.sent)
}

func TestNameUpdateDroppedWhenTooLong(t *testing.T) {
	s, tr := newTestSession(sharedSecret)

	sent, err := s.SendNameUpdate(strings.Repeat("x", model.ClientMetadataPlainLength))
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.SendNameUpdate("   ")
	require.NoError(t, err)
	assert.False(t, sent)

	assert.Empty(t, tr.sent)
}

func TestSendTransportError(t *testing.T) {
	s, tr := newTestSession(sharedSecret)
	tr.err = errBrokenPipe

	sent, err := s.SendText("hello")
	assert.ErrorIs(t, err, errBrokenPipe)
	assert.False(t, sent)
}

func TestNameUpdateUsesRelayIdentity(t *testing.T) {
	a, trA := newTestSession(sharedSecret)
	b, _ := newTestSession(sharedSecret)

	// the sender tries to claim another identity inside encrypted metadata
	spoofed := model.NewID()
	plain, err := frame.PadMetadata(model.Metadata{
		Event:  model.EventUpdateName,
		Name:   "Bob",
		UserID: spoofed,
	}, model.ClientMetadataPlainLength)
	require.NoError(t, err)
	meta := codec.Encrypt(plain, sharedSecret, false)
	require.Len(t, meta, model.ClientMetadataLength)

	ev, ok := b.OnInbound(relay(t, meta, a.UserID()))
	require.True(t, ok)
	assert.Equal(t, EventName, ev.Kind)
	assert.Equal(t, a.UserID(), ev.SenderID)
	assert.Equal(t, "Bob", ev.Name)
	assert.Equal(t, map[string]string{a.UserID(): "Bob"}, b.Names())
	assert.Equal(t, "Bob", b.DisplayName(a.UserID()))
	assert.Equal(t, model.ShortID(spoofed), b.DisplayName(spoofed))

	// regular path through SendNameUpdate
	sent, err := a.SendNameUpdate(" Alice ")
	require.NoError(t, err)
	require.True(t, sent)
	raw := relay(t, trA.last(t), a.UserID())
	assert.Len(t, raw, model.NonContentLength)

	ev, ok = b.OnInbound(raw)
	require.True(t, ok)
	assert.Equal(t, "Alice", ev.Name)
	assert.Equal(t, "User "+model.ShortID(a.UserID())+" updated their name to: Alice", ev.Text)
	assert.Equal(t, "Alice", b.DisplayName(a.UserID()))
}

func TestLifecycleEvents(t *testing.T) {
	s, _ := newTestSession(sharedSecret)
	userID := model.NewID()

	for _, ev := range []int{model.EventUserConnected, model.EventUserDisconnected} {
		raw, err := frame.ServerTrailer(model.Metadata{Event: ev, UserID: userID, SessionID: "sessionid-123"})
		require.NoError(t, err)

		got, ok := s.OnInbound(raw)
		require.True(t, ok)
		assert.Equal(t, EventSystem, got.Kind)
		assert.Equal(t, userID, got.SenderID)
	}
	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "User "+model.ShortID(userID)+" (sessioni) connected", entries[0].Text)
	assert.Equal(t, "User "+model.ShortID(userID)+" (sessioni) disconnected", entries[1].Text)
	assert.Empty(t, entries[0].UserID)
}

func TestCorruptFramesAreIsolated(t *testing.T) {
	a, trA := newTestSession(sharedSecret)
	b, _ := newTestSession(sharedSecret)

	_, err := a.SendText("first")
	require.NoError(t, err)
	good := relay(t, trA.last(t), a.UserID())

	tampered := bytes.Clone(good)
	tampered[0] ^= 0xff

	badMeta, err := frame.PadMetadata(model.Metadata{Event: 42}, model.ClientMetadataPlainLength)
	require.NoError(t, err)
	unknownEvent := relay(t, codec.Encrypt(badMeta, sharedSecret, false), a.UserID())

	notJSON := relay(t, codec.Encrypt(bytes.Repeat([]byte{'{'}, 80), sharedSecret, false), a.UserID())

	nameWithoutName, err := frame.PadMetadata(model.Metadata{Event: model.EventUpdateName}, model.ClientMetadataPlainLength)
	require.NoError(t, err)
	missingName := relay(t, codec.Encrypt(nameWithoutName, sharedSecret, false), a.UserID())

	textMeta, err := frame.PadMetadata(model.Metadata{Event: model.EventSendMessage}, model.ClientMetadataPlainLength)
	require.NoError(t, err)
	missingContent := relay(t, codec.Encrypt(textMeta, sharedSecret, false), a.UserID())

	for _, raw := range [][]byte{
		nil,
		[]byte("short"),
		bytes.Repeat([]byte{'x'}, 300),
		tampered,
		unknownEvent,
		notJSON,
		missingName,
		missingContent,
	} {
		_, ok := b.OnInbound(raw)
		assert.False(t, ok)
	}

	ev, ok := b.OnInbound(good)
	require.True(t, ok)
	assert.Equal(t, "first", ev.Text)
	assert.Len(t, b.Entries(), 1)
}

func TestBuildTextFrameNonDeterministic(t *testing.T) {
	f1 := BuildTextFrame("same", sharedSecret)
	f2 := BuildTextFrame("same", sharedSecret)
	require.NotNil(t, f1)
	require.NotNil(t, f2)
	assert.NotEqual(t, f1, f2)
}

func TestInvite(t *testing.T) {
	roomID := model.NewID()
	secret := model.NewSecret()

	link := InviteLink("https://chat.example.com/", roomID, secret)
	assert.Equal(t, "https://chat.example.com/chat/"+roomID+"#"+secret, link)

	gotRoom, gotSecret, err := ParseInvite(link)
	require.NoError(t, err)
	assert.Equal(t, roomID, gotRoom)
	assert.Equal(t, secret, gotSecret)

	gotRoom, gotSecret, err = ParseInvite("https://chat.example.com/chat/" + roomID + "#short")
	require.NoError(t, err)
	assert.Equal(t, roomID, gotRoom)
	assert.True(t, model.ValidSecret(gotSecret))
	assert.NotEqual(t, "short", gotSecret)

	_, _, err = ParseInvite("https://chat.example.com/room/" + roomID)
	assert.ErrorIs(t, err, ErrInvalidInvite)
	_, _, err = ParseInvite("https://chat.example.com/chat/xyz#" + secret)
	assert.ErrorIs(t, err, ErrInvalidInvite)
}
