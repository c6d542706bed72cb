package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/adwski/socket-chat/backend/codec"
	"github.com/adwski/socket-chat/backend/frame"
	"github.com/adwski/socket-chat/backend/model"
	"golang.org/x/sync/errgroup"
)

type EventKind int

const (
	EventSystem EventKind = iota + 1
	EventText
	EventName
)

var (
	errEncodeContent   = errors.New("content did not encrypt")
	errEncodeMetadata  = errors.New("client metadata did not encrypt")
	errEmptyMetadata   = errors.New("client metadata did not decrypt")
	errEmptyContent    = errors.New("content did not decrypt")
	errMissingField    = errors.New("required metadata field is missing")
	errUnexpectedEvent = errors.New("unexpected event code")
)

// Event is an inbound frame interpreted for the application.
// SenderID is always the identity asserted by the relay.
type Event struct {
	Kind      EventKind
	SenderID  string
	SessionID string
	Timestamp time.Time
	Text      string
	Name      string
}

// BuildTextFrame encrypts text and its metadata and packs them into a frame.
// It returns nil if anything failed to encode; nil means nothing must be sent.
func BuildTextFrame(text, secret string) []byte {
	var content, meta []byte
	g := errgroup.Group{}
	g.Go(func() error {
		if content = codec.EncryptString(text, secret, true); len(content) == 0 {
			return errEncodeContent
		}
		return nil
	})
	g.Go(func() error {
		if meta = encryptMetadata(model.Metadata{Event: model.EventSendMessage}, secret); meta == nil {
			return errEncodeMetadata
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil
	}
	b, err := frame.Pack(content, meta)
	if err != nil {
		return nil
	}
	return b
}

// BuildNameUpdate returns the client metadata ciphertext announcing a new
// display name, or nil if it cannot be encoded.
func BuildNameUpdate(name, secret string) []byte {
	if name == "" {
		return nil
	}
	return encryptMetadata(model.Metadata{Event: model.EventUpdateName, Name: name}, secret)
}

// encryptMetadata pads metadata to its plaintext length and encrypts it.
// Result is nil unless it has exactly the client metadata length.
func encryptMetadata(m model.Metadata, secret string) []byte {
	plain, err := frame.PadMetadata(m, model.ClientMetadataPlainLength)
	if err != nil {
		return nil
	}
	ct := codec.Encrypt(plain, secret, false)
	if len(ct) != model.ClientMetadataLength {
		return nil
	}
	return ct
}

// Decode interprets one relayed frame. Any failure discards the frame.
func Decode(b []byte, secret string) (Event, error) {
	u, err := frame.UnpackAtClient(b)
	if err != nil {
		return Event{}, err
	}
	ev := Event{
		SenderID:  u.Server.UserID,
		SessionID: u.Server.SessionID,
		Timestamp: u.Server.Time(),
	}
	if u.Server.IsLifecycle() {
		ev.Kind = EventSystem
		ev.Text = u.Text
		return ev, nil
	}

	var metaPlain, content []byte
	g := errgroup.Group{}
	g.Go(func() error {
		if metaPlain = codec.Decrypt(u.ClientMetadata, secret, false); len(metaPlain) == 0 {
			return errEmptyMetadata
		}
		return nil
	})
	g.Go(func() error {
		// content is optional here, name updates carry none
		if content = codec.Decrypt(u.Content, secret, true); codec.Failed(u.Content, content) {
			return errEmptyContent
		}
		return nil
	})
	if err = g.Wait(); err != nil {
		return Event{}, err
	}

	var meta model.Metadata
	if err = json.Unmarshal(metaPlain, &meta); err != nil {
		return Event{}, err
	}

	switch meta.Event {
	case model.EventSendMessage:
		if len(content) == 0 {
			return Event{}, errMissingField
		}
		ev.Kind = EventText
		ev.Text = string(content)
	case model.EventUpdateName:
		if ev.SenderID == "" || meta.Name == "" {
			return Event{}, errMissingField
		}
		ev.Kind = EventName
		ev.Name = meta.Name
		ev.Text = frame.RenderNameChange(ev.SenderID, meta.Name)
	default:
		return Event{}, errUnexpectedEvent
	}
	return ev, nil
}
