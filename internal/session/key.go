package session

import (
	"errors"
	"net/url"
	"strings"
)

// Key identifies one avatar session against the chat backend. It is immutable
// for the lifetime of the session.
type Key struct {
	UserID      string
	ChatID      string
	CallID      string
	BotUsername string
}

var ErrIncompleteKey = errors.New("session key requires userId, chatId and callId")

// KeyFromQuery builds a Key from the URL query parameters the browser passes
// through (userId, chatId, callId, botUsername).
func KeyFromQuery(q url.Values) (Key, error) {
	k := Key{
		UserID:      strings.TrimSpace(q.Get("userId")),
		ChatID:      strings.TrimSpace(q.Get("chatId")),
		CallID:      strings.TrimSpace(q.Get("callId")),
		BotUsername: strings.TrimSpace(q.Get("botUsername")),
	}
	if k.UserID == "" || k.ChatID == "" || k.CallID == "" {
		return Key{}, ErrIncompleteKey
	}
	return k, nil
}

// String renders the colon-joined custom session id understood by the chat
// backend: "<userId>:<chatId>:<callId>" with an optional ":<botUsername>".
func (k Key) String() string {
	id := k.UserID + ":" + k.ChatID + ":" + k.CallID
	if k.BotUsername != "" {
		id += ":" + k.BotUsername
	}
	return id
}
