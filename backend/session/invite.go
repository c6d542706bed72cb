package session

import (
	"errors"
	"net/url"
	"strings"

	"github.com/adwski/socket-chat/backend/model"
)

const invitePathPrefix = "/chat/"

var ErrInvalidInvite = errors.New("invalid invite link")

// InviteLink builds a shareable link. The secret travels in the fragment,
// which browsers never send to the server.
func InviteLink(origin, roomID, secret string) string {
	return strings.TrimRight(origin, "/") + invitePathPrefix + roomID + "#" + secret
}

// ParseInvite extracts room id and secret from an invite link.
// A missing or malformed secret is replaced by a freshly generated one,
// which effectively opens a new private conversation in the same room.
func ParseInvite(link string) (roomID, secret string, err error) {
	u, err := url.Parse(link)
	if err != nil {
		return "", "", errors.Join(ErrInvalidInvite, err)
	}
	roomID, ok := strings.CutPrefix(u.Path, invitePathPrefix)
	if !ok || !model.ValidID(roomID) {
		return "", "", ErrInvalidInvite
	}
	secret = u.Fragment
	if !model.ValidSecret(secret) {
		secret = model.NewSecret()
	}
	return strings.ToLower(roomID), strings.ToLower(secret), nil
}
