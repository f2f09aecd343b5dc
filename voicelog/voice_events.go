package voicelog

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Embed colors for the broadcast notifications.
const (
	colorJoin   = 0x00FF00
	colorLeave  = 0xFF0000
	colorSwitch = 0xFFA500
	colorQuery  = 0x3498DB
)

// handlerVoiceStateUpdate reacts to gateway voice-state transitions,
// updating the session tracker, posting a broadcast notification and
// appending a durable row.
//
// Transitions per user:
//   - nil -> channel: join. Tracks the session, emits a row with no
//     channel_before and no duration.
//   - channel -> nil: leave. Removes the tracked session; when none was
//     tracked (missed join, restart) the event is silently dropped.
//   - channel -> different channel: switch. Emits a row for the ended
//     segment when a session was tracked, then unconditionally re-tracks
//     the user in the new channel with a fresh join time.
//   - anything else (mute/deafen/stream flags): no-op.
func (v *VoiceLogger) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	e *discordgo.VoiceStateUpdate,
) {
	return func(_ *discordgo.Session, e *discordgo.VoiceStateUpdate) {
		if e == nil || e.VoiceState == nil {
			return
		}
		member := e.Member
		if member == nil || member.User == nil {
			v.logger.Warn(
				"voice state update without member, ignoring",
				"user_id", e.UserID,
				"guild_id", e.GuildID,
			)
			return
		}
		if member.User.Bot {
			return
		}

		var beforeChannelID string
		if e.BeforeUpdate != nil {
			beforeChannelID = e.BeforeUpdate.ChannelID
		}
		afterChannelID := e.ChannelID
		if beforeChannelID == afterChannelID {
			return
		}

		ctx := WithLogger(context.Background(), v.logger)
		switch {
		case beforeChannelID == "" && afterChannelID != "":
			v.handleVoiceJoin(ctx, member, afterChannelID)
		case beforeChannelID != "" && afterChannelID == "":
			v.handleVoiceLeave(ctx, member)
		default:
			v.handleVoiceSwitch(ctx, member, beforeChannelID, afterChannelID)
		}
	}
}

func (v *VoiceLogger) handleVoiceJoin(
	ctx context.Context,
	member *discordgo.Member,
	channelID string,
) {
	now := v.now()
	channelName := v.discord.channelName(channelID)
	v.tracker.Begin(member.User.ID, channelID, channelName, now)

	timestamp := now.Format(timestampLayout)
	v.logger.Info(
		"voice join",
		"user_id", member.User.ID,
		"channel", channelName,
		"timestamp", timestamp,
	)

	_ = v.notifier.Send(ctx, joinEmbed(member.User.Mention(), channelName, timestamp, now))
	v.persistEvent(ctx, &VoiceEvent{
		UserID:       member.User.ID,
		Username:     memberDisplayName(member),
		EventType:    VoiceEventJoin,
		ChannelAfter: stringPointer(channelName),
		Timestamp:    timestamp,
	})
}

func (v *VoiceLogger) handleVoiceLeave(
	ctx context.Context,
	member *discordgo.Member,
) {
	session, ok := v.tracker.End(member.User.ID)
	if !ok {
		// known gap: a leave with no tracked join emits nothing
		v.logger.Warn(
			"leave without tracked session, dropping",
			"user_id", member.User.ID,
		)
		return
	}

	now := v.now()
	timestamp := now.Format(timestampLayout)
	duration := FormatDuration(now.Sub(session.JoinedAt))
	v.logger.Info(
		"voice leave",
		"user_id", member.User.ID,
		"channel", session.ChannelName,
		"duration", duration,
	)

	_ = v.notifier.Send(
		ctx,
		leaveEmbed(member.User.Mention(), session.ChannelName, timestamp, duration, now),
	)
	v.persistEvent(ctx, &VoiceEvent{
		UserID:        member.User.ID,
		Username:      memberDisplayName(member),
		EventType:     VoiceEventLeave,
		ChannelBefore: stringPointer(session.ChannelName),
		Timestamp:     timestamp,
		Duration:      stringPointer(duration),
	})
}

func (v *VoiceLogger) handleVoiceSwitch(
	ctx context.Context,
	member *discordgo.Member,
	beforeChannelID string,
	afterChannelID string,
) {
	now := v.now()
	afterName := v.discord.channelName(afterChannelID)

	// the entry is overwritten whether or not the old one was found; a
	// row is only emitted for a tracked segment
	previous, ok := v.tracker.Switch(member.User.ID, afterChannelID, afterName, now)
	if !ok {
		v.logger.Warn(
			"switch without tracked session, re-tracking only",
			"user_id", member.User.ID,
			"channel_id", beforeChannelID,
		)
		return
	}

	timestamp := now.Format(timestampLayout)
	duration := FormatDuration(now.Sub(previous.JoinedAt))
	v.logger.Info(
		"voice switch",
		"user_id", member.User.ID,
		"channel_before", previous.ChannelName,
		"channel_after", afterName,
		"duration", duration,
	)

	_ = v.notifier.Send(
		ctx,
		switchEmbed(
			member.User.Mention(),
			previous.ChannelName,
			afterName,
			timestamp,
			duration,
			now,
		),
	)
	v.persistEvent(ctx, &VoiceEvent{
		UserID:        member.User.ID,
		Username:      memberDisplayName(member),
		EventType:     VoiceEventSwitch,
		ChannelBefore: stringPointer(previous.ChannelName),
		ChannelAfter:  stringPointer(afterName),
		Timestamp:     timestamp,
		Duration:      stringPointer(duration),
	})
}

// persistEvent appends the row. Insert failures are logged rather than
// propagated: the logging side channel shouldn't take the gateway
// handler down, and the in-memory tracker mutation has already happened.
func (v *VoiceLogger) persistEvent(ctx context.Context, event *VoiceEvent) {
	if err := v.db.RecordEvent(ctx, event); err != nil {
		v.logger.ErrorContext(
			ctx,
			"error persisting voice event",
			tint.Err(err),
			"event", event,
		)
	}
}

func joinEmbed(
	mention string,
	channelName string,
	timestamp string,
	now time.Time,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     "🔊 Присоединение к голосовому каналу",
		Color:     colorJoin,
		Timestamp: now.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Пользователь", Value: mention},
			{Name: "Канал", Value: channelName},
			{Name: "Время присоединения", Value: timestamp},
		},
	}
}

func leaveEmbed(
	mention string,
	channelName string,
	timestamp string,
	duration string,
	now time.Time,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     "🔊 Покидание голосового канала",
		Color:     colorLeave,
		Timestamp: now.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Пользователь", Value: mention},
			{Name: "Канал", Value: channelName},
			{Name: "Время выхода", Value: timestamp},
			{Name: "Время пребывания", Value: duration},
		},
	}
}

func switchEmbed(
	mention string,
	channelBefore string,
	channelAfter string,
	timestamp string,
	duration string,
	now time.Time,
) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:     "🔀 Переключение голосовых каналов",
		Color:     colorSwitch,
		Timestamp: now.Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Пользователь", Value: mention},
			{Name: "Исходный канал", Value: channelBefore, Inline: true},
			{Name: "Новый канал", Value: channelAfter, Inline: true},
			{Name: "Время переключения", Value: timestamp},
			{Name: "Время в исходном канале", Value: duration},
		},
	}
}

var _ slog.LogValuer = VoiceEvent{}
