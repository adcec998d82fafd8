package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meshstats/meshstats/store"
	"github.com/meshstats/meshstats/subscription"
)

// Limits of the stats last N grammar.
const (
	minLastN = 1
	maxLastN = 20
)

// verb identifies a parsed command.
type verb int

const (
	verbUnknown verb = iota
	verbHelp
	verbAbout
	verbStatsLast
	verbStatsToday
	verbStatsTodayDetailed
	verbStatsStatus
	verbSubscribe
	verbUnsubscribe
	verbMySubscriptions
)

// String names the verb for metrics labels.
func (v verb) String() string {
	switch v {
	case verbHelp:
		return "help"
	case verbAbout:
		return "about"
	case verbStatsLast:
		return "stats_last"
	case verbStatsToday:
		return "stats_today"
	case verbStatsTodayDetailed:
		return "stats_today_detailed"
	case verbStatsStatus:
		return "stats_status"
	case verbSubscribe:
		return "subscribe"
	case verbUnsubscribe:
		return "unsubscribe"
	case verbMySubscriptions:
		return "my_subscriptions"
	default:
		return "unknown"
	}
}

// command is one parsed `!` line.
type command struct {
	verb    verb
	n       int    // verbStatsLast
	variant string // verbSubscribe
}

const helpText = `Commands:
!help - this list
!about - what this bot is
!stats last message
!stats last N messages (1-20)
!stats today
!stats today detailed
!stats status
!subscribe low|avg|high
!unsubscribe
!my_subscriptions`

const aboutText = "I watch this mesh through MQTT and keep delivery statistics: " +
	"how many gateways hear each message. Send !help for commands."

const unknownHint = "Unknown command. Send !help for the list."

const slowDownText = "Please slow down. Try again in a minute."

// parseCommand turns one raw `!` line into a command. Parsing is
// case-insensitive and tolerant of repeated whitespace.
func parseCommand(text string) command {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return command{verb: verbUnknown}
	}
	fields := strings.Fields(strings.ToLower(text[1:]))
	if len(fields) == 0 {
		return command{verb: verbUnknown}
	}

	switch fields[0] {
	case "help":
		return command{verb: verbHelp}
	case "about":
		return command{verb: verbAbout}
	case "unsubscribe":
		return command{verb: verbUnsubscribe}
	case "my_subscriptions", "mysubscriptions":
		return command{verb: verbMySubscriptions}
	case "subscribe":
		if len(fields) != 2 {
			return command{verb: verbUnknown}
		}
		v, err := subscription.ParseVariant(fields[1])
		if err != nil {
			return command{verb: verbUnknown}
		}
		return command{verb: verbSubscribe, variant: v}
	case "stats":
		return parseStats(fields[1:])
	default:
		return command{verb: verbUnknown}
	}
}

func parseStats(args []string) command {
	if len(args) == 0 {
		return command{verb: verbUnknown}
	}

	switch args[0] {
	case "today":
		if len(args) == 1 {
			return command{verb: verbStatsToday}
		}
		if len(args) == 2 && args[1] == "detailed" {
			return command{verb: verbStatsTodayDetailed}
		}
	case "status":
		if len(args) == 1 {
			return command{verb: verbStatsStatus}
		}
	case "last":
		if len(args) == 2 && args[1] == "message" {
			return command{verb: verbStatsLast, n: 1}
		}
		if len(args) == 3 && args[2] == "messages" {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < minLastN || n > maxLastN {
				return command{verb: verbUnknown}
			}
			return command{verb: verbStatsLast, n: n}
		}
	}
	return command{verb: verbUnknown}
}

// respond computes the reply text for one parsed command.
func (b *Bot) respond(ctx context.Context, sender int64, cmd command) string {
	switch cmd.verb {
	case verbHelp:
		return helpText
	case verbAbout:
		return aboutText
	case verbStatsLast:
		return b.replyLastMessages(ctx, cmd.n)
	case verbStatsToday:
		return b.replyToday(ctx, false)
	case verbStatsTodayDetailed:
		return b.replyToday(ctx, true)
	case verbStatsStatus:
		return b.replyStatus(ctx)
	case verbSubscribe:
		return b.replySubscribe(ctx, sender, cmd.variant)
	case verbUnsubscribe:
		return b.replyUnsubscribe(ctx, sender)
	case verbMySubscriptions:
		return b.replyMySubscriptions(ctx, sender)
	default:
		return unknownHint
	}
}

func (b *Bot) replyLastMessages(ctx context.Context, n int) string {
	pkts, err := b.store.LastPackets(ctx, n)
	if err != nil {
		b.l.Errorw("last packets lookup failed", "err", err)
		return "Stats are unavailable right now."
	}
	if len(pkts) == 0 {
		return "No messages stored yet."
	}

	var sb strings.Builder
	for i, p := range pkts {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "%s %s: %q heard by %d gateways",
			p.SentAt.UTC().Format("15:04"), senderLabel(p), trimPayload(p.Payload), p.GatewayCount)
	}
	return sb.String()
}

func (b *Bot) replyToday(ctx context.Context, detailed bool) string {
	day, err := b.stats.Today(ctx)
	if err != nil {
		b.l.Errorw("today stats failed", "err", err)
		return "Stats are unavailable right now."
	}
	if day.MessageCount == 0 {
		return fmt.Sprintf("No messages yet on %s.", day.Date)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %d messages, gateways avg %.1f, max %.0f",
		day.Date, day.MessageCount, *day.AvgGateways, *day.MaxGateways)
	if !detailed {
		return sb.String()
	}

	fmt.Fprintf(&sb, "\nmin %.0f, p50 %.1f, p90 %.1f, p95 %.1f, p99 %.1f",
		*day.MinGateways, *day.P50, *day.P90, *day.P95, *day.P99)
	if day.FirstAt != nil && day.LastAt != nil {
		fmt.Fprintf(&sb, "\nfirst %s, last %s UTC",
			day.FirstAt.UTC().Format("15:04"), day.LastAt.UTC().Format("15:04"))
	}
	return sb.String()
}

func (b *Bot) replyStatus(ctx context.Context) string {
	day, err := b.stats.Today(ctx)
	if err != nil {
		b.l.Errorw("status stats failed", "err", err)
		return "Stats are unavailable right now."
	}
	uptime := b.clock.Now().Sub(b.startedAt).Truncate(time.Second)
	return fmt.Sprintf("Up %s. %d messages today. Radio link OK.", uptime, day.MessageCount)
}

func (b *Bot) replySubscribe(ctx context.Context, sender int64, variant string) string {
	if err := b.subs.Subscribe(ctx, sender, variant); err != nil {
		b.l.Errorw("subscribe failed", "node", sender, "err", err)
		return "Could not save your subscription, try again later."
	}
	return fmt.Sprintf("Subscribed to the daily %s summary.", variant)
}

func (b *Bot) replyUnsubscribe(ctx context.Context, sender int64) string {
	err := b.subs.Unsubscribe(ctx, sender)
	if errors.Is(err, store.ErrNotFound) {
		return "You have no active subscription."
	}
	if err != nil {
		b.l.Errorw("unsubscribe failed", "node", sender, "err", err)
		return "Could not update your subscription, try again later."
	}
	return "Unsubscribed. Send !subscribe low|avg|high to resubscribe."
}

func (b *Bot) replyMySubscriptions(ctx context.Context, sender int64) string {
	sub, err := b.subs.For(ctx, sender)
	if errors.Is(err, store.ErrNotFound) {
		return "You have no active subscription."
	}
	if err != nil {
		b.l.Errorw("subscription lookup failed", "node", sender, "err", err)
		return "Could not read your subscription, try again later."
	}
	return fmt.Sprintf("You receive the daily %s summary.", sub.Variant)
}

func senderLabel(p store.Packet) string {
	if p.SenderName != "" {
		return p.SenderName
	}
	return fmt.Sprintf("!%08x", uint32(p.SenderNodeID))
}

// trimPayload keeps quoted payloads short enough for radio replies.
func trimPayload(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}
