package dispatcher

import (
	"fmt"
	"strings"

	"shroombot/internal/storage"
)

const (
	textNotRegistered = "❓ You are not registered in the game yet.\nOpen the app from the bot menu."
	textStoreDown     = "⚠️ Could not reach the game database, please try again later."
	textForbidden     = "⛔ You are not allowed to use this command."
	textUsage         = "📢 Usage:\n/broadcast <message>\n\nSends the message to every player."
	textBusyBroadcast = "⏳ A broadcast is already running, try again when it finishes."
	textInternal      = "⚠️ Something went wrong, please try again."
	textBusy          = "⏳ The bot is busy, try again in a moment."
	textHelp          = "🍄 Blood Mushroom bot\n\n" +
		"/start - register and open the game\n" +
		"/stats - show your balances\n" +
		"/help - this message"
)

func welcomeText(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Player"
	}
	return fmt.Sprintf("🍄 *Welcome to Blood Mushroom, %s!*\n\n"+
		"🎮 Launch the game with the menu button below\n"+
		"💰 Farm essence and earn TON!\n\n"+
		"🔔 Turn on notifications so you don't miss important events!", escapeMarkdown(name))
}

func statsText(st storage.Stats) string {
	return fmt.Sprintf("📊 *Your stats:*\n\n"+
		"🩸 Blood: %s\n"+
		"💧 Essence: %s\n"+
		"🎟️ Tokens: %d\n\n"+
		"Keep farming! 🍄", groupThousands(st.Blood, 2), groupThousands(st.Essence, 4), st.TaskTokens)
}

func broadcastPayload(body string) string {
	return "📢 Notice from Blood Mushroom\n\n" + body
}

func broadcastStartedText(n int) string {
	return fmt.Sprintf("📤 Sending to %d users...", n)
}

func broadcastSummaryText(sent, failed, skipped int) string {
	s := fmt.Sprintf("✅ Sent: %d\n❌ Failed: %d", sent, failed)
	if skipped > 0 {
		s += fmt.Sprintf("\n⏹ Not sent (shutdown): %d", skipped)
	}
	return s
}

// groupThousands formats v with the given precision and comma-separated thousands.
func groupThousands(v float64, prec int) string {
	s := fmt.Sprintf("%.*f", prec, v)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return sign + b.String() + frac
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

// escapeMarkdown escapes legacy Markdown control characters in user-supplied text.
func escapeMarkdown(s string) string { return markdownEscaper.Replace(s) }
