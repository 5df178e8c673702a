package gateway

import (
	"strings"
	"unicode"

	"shroombot/internal/transport"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindStart
	KindStats
	KindBroadcast
	KindHelp
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStats:
		return "stats"
	case KindBroadcast:
		return "broadcast"
	case KindHelp:
		return "help"
	default:
		return "unknown"
	}
}

// commands is matched case-sensitively against the leading token.
var commands = map[string]Kind{
	"/start":     KindStart,
	"/stats":     KindStats,
	"/broadcast": KindBroadcast,
	"/help":      KindHelp,
}

// Command is one normalized inbound request.
type Command struct {
	Kind        Kind
	UpdateID    int
	UserID      int64
	ChatID      int64
	DisplayName string
	// Args is the text after the command token, trimmed at both ends.
	// Inner whitespace and newlines are preserved.
	Args    string
	Private bool
}

// Parse normalizes an update. ok is false for anything that is not a
// recognized command; the returned Command then has KindUnknown.
//
// botName is this bot's username without the leading '@'. A command token
// carrying an "@name" suffix is accepted only when name matches botName,
// case-insensitively; with an empty botName every suffixed token is refused.
func Parse(up transport.Update, botName string) (Command, bool) {
	msg := up.Message
	if msg == nil {
		return Command{Kind: KindUnknown, UpdateID: up.ID}, false
	}
	cmd := Command{
		Kind:        KindUnknown,
		UpdateID:    up.ID,
		UserID:      msg.FromID,
		ChatID:      msg.ChatID,
		DisplayName: msg.FromName,
		Private:     msg.IsPrivate,
	}

	// Telegram only treats a slash at offset 0 as a bot command.
	text := msg.Text
	if !strings.HasPrefix(text, "/") {
		return cmd, false
	}
	token, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		token, rest = text[:i], text[i:]
	}
	if i := strings.IndexByte(token, '@'); i >= 0 {
		if !addressedTo(token[i+1:], botName) {
			return cmd, false
		}
		token = token[:i]
	}
	kind, ok := commands[token]
	if !ok {
		return cmd, false
	}
	cmd.Kind = kind
	cmd.Args = strings.TrimSpace(rest)
	return cmd, true
}

// addressedTo reports whether the "@suffix" of a command token names this bot.
func addressedTo(suffix, botName string) bool {
	botName = strings.TrimPrefix(botName, "@")
	return suffix != "" && botName != "" && strings.EqualFold(suffix, botName)
}
