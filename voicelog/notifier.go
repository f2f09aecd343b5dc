package voicelog

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

// notificationRateLimit caps broadcast posts at 5/sec (burst 5), matching
// discord's per-channel message rate limit, so a pathological stream of
// voice events degrades to dropped notifications instead of REST 429 loops.
var (
	notificationRateLimit = rate.Limit(5)
	notificationRateBurst = 5
)

// channelNotifier posts the join/leave/switch embeds to the fixed
// broadcast channel. Sends are best-effort: an unresolvable channel,
// exhausted limiter or REST failure is logged and swallowed, and the
// durable row is written regardless.
type channelNotifier struct {
	session   DiscordSessionHandler
	channelID string
	limiter   *rate.Limiter
	logger    *slog.Logger
}

func newChannelNotifier(
	session DiscordSessionHandler,
	channelID string,
	log *slog.Logger,
) *channelNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &channelNotifier{
		session:   session,
		channelID: channelID,
		limiter:   rate.NewLimiter(notificationRateLimit, notificationRateBurst),
		logger:    log.With(loggerNameKey, "notifier"),
	}
}

// Send posts the embed to the broadcast channel. The error return is
// informational; callers treat the notification as fire-and-forget.
func (n *channelNotifier) Send(
	ctx context.Context,
	embed *discordgo.MessageEmbed,
) error {
	if n.channelID == "" {
		return nil
	}
	if !n.limiter.Allow() {
		n.logger.WarnContext(
			ctx,
			"notification rate limit exceeded, dropping",
			"title", embed.Title,
		)
		return nil
	}
	if _, err := n.session.ChannelMessageSendEmbed(
		n.channelID,
		embed,
		discordgo.WithContext(ctx),
		discordgo.WithRetryOnRatelimit(false),
	); err != nil {
		n.logger.ErrorContext(
			ctx,
			"unable to send notification",
			"channel_id", n.channelID,
			tint.Err(err),
		)
		return err
	}
	return nil
}
