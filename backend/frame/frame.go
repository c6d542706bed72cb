// Package frame lays out relay messages:
//
//	[ content ciphertext (0..N) ][ client metadata ciphertext (120) ][ server metadata plaintext (120) ]
//
// Lifecycle announcements consist of the server metadata segment alone.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/socket-chat/backend/model"
)

var (
	ErrClientMetadataLength = errors.New("client metadata ciphertext has unexpected length")
	ErrMetadataTooLong      = errors.New("metadata does not fit into its fixed length")
	ErrShortFrame           = errors.New("frame is shorter than server metadata")
	ErrBadServerMetadata    = errors.New("cannot parse server metadata")
)

// Unpacked holds the segments of a frame as seen by a client.
// For lifecycle announcements only Server and Text are set.
type Unpacked struct {
	Server         model.Metadata
	ClientMetadata []byte
	Content        []byte
	Text           string
}

// Pack concatenates content ciphertext and client metadata ciphertext.
func Pack(content, clientMeta []byte) ([]byte, error) {
	if len(clientMeta) != model.ClientMetadataLength {
		return nil, ErrClientMetadataLength
	}
	out := make([]byte, 0, len(content)+len(clientMeta))
	out = append(out, content...)
	return append(out, clientMeta...), nil
}

// UnpackAtClient splits a relayed frame. The trailing server metadata is
// parsed first; lifecycle events short-circuit without touching other segments.
func UnpackAtClient(b []byte) (Unpacked, error) {
	var u Unpacked
	if len(b) < model.ServerMetadataLength {
		return u, ErrShortFrame
	}
	trailerStart := len(b) - model.ServerMetadataLength
	if err := json.Unmarshal(bytes.TrimSpace(b[trailerStart:]), &u.Server); err != nil {
		return u, errors.Join(ErrBadServerMetadata, err)
	}
	if u.Server.IsLifecycle() {
		u.Text = RenderLifecycle(u.Server)
		return u, nil
	}

	contentLen := ContentLength(len(b))
	u.ClientMetadata = b[contentLen:trailerStart]
	u.Content = b[:contentLen]
	return u, nil
}

// ContentLength returns the content segment length of a frame of total length n.
func ContentLength(n int) int {
	return max(0, n-model.NonContentLength)
}

// PadMetadata serializes m and right-pads it with spaces to exactly size bytes.
func PadMetadata(m model.Metadata, size int) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&m); err != nil {
		return nil, fmt.Errorf("cannot encode metadata: %w", err)
	}
	b := bytes.TrimRight(buf.Bytes(), "\n")
	if len(b) > size {
		return nil, ErrMetadataTooLong
	}
	out := make([]byte, size)
	copy(out, b)
	for i := len(b); i < size; i++ {
		out[i] = model.PaddingByte
	}
	return out, nil
}

// ServerTrailer builds the plaintext server metadata segment.
func ServerTrailer(m model.Metadata) ([]byte, error) {
	return PadMetadata(m, model.ServerMetadataLength)
}

// AppendTrailer appends the server metadata segment to an opaque payload.
func AppendTrailer(payload []byte, m model.Metadata) ([]byte, error) {
	trailer, err := ServerTrailer(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(payload)+len(trailer))
	out = append(out, payload...)
	return append(out, trailer...), nil
}

// RenderLifecycle returns the human readable form of a connect/disconnect event.
func RenderLifecycle(m model.Metadata) string {
	var verb string
	switch m.Event {
	case model.EventUserConnected:
		verb = "connected"
	case model.EventUserDisconnected:
		verb = "disconnected"
	default:
		return ""
	}
	return fmt.Sprintf("User %s (%s) %s", model.ShortID(m.UserID), model.ShortID(m.SessionID), verb)
}

// RenderNameChange returns the human readable form of a name update.
func RenderNameChange(userID, name string) string {
	return fmt.Sprintf("User %s updated their name to: %s", model.ShortID(userID), name)
}
