package voicelog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// User-facing strings for the /log command.
var (
	logCommandNoPermissionMessage = "❌ У вас нет прав для использования этой команды."
	logCommandBadDateMessage      = "❌ Неверный формат даты. Пожалуйста, используйте формат `MM/DD/YYYY`."
	logCommandNoLogsMessage       = "📭 Нет доступных логов."
	logCommandNeverJoinedFormat   = "📭 Пользователь %s никогда не заходил ни в один голосовой канал."
	logCommandUserDateNotFound    = "🔍 Логи для пользователя %s за дату %s не найдены."
	logCommandDateNotFoundFormat  = "🔍 Логи за дату %s не найдены."
	logCommandPickDateFooter      = "Пожалуйста, выберите дату для просмотра логов."

	// displayTimestampLayout is how row timestamps are rendered inside
	// embeds.
	displayTimestampLayout = "01/02/2006 15:04:05 UTC"
)

// handleLogCommand services the /log slash command. Behavior matrix:
//
//	member + date  -> up to 25 rows for that user on that date, one embed
//	member only    -> distinct dates for that user, paginated button list
//	date only      -> up to 25 rows for that date across all users
//	neither        -> the 25 most recent rows across all users
//
// The invoker must hold Manage Messages; everyone else gets an ephemeral
// refusal.
func (v *VoiceLogger) handleLogCommand(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	if i.Member == nil || i.Member.Permissions&discordgo.PermissionManageMessages == 0 {
		logger.InfoContext(ctx, "log command refused, missing permission")
		_ = handler.Respond(ctx, ephemeralResponse(logCommandNoPermissionMessage))
		return
	}

	invoker := getDiscordUser(i)
	options := discordInteractionOptions(i)

	targetID, targetName := resolveMemberOption(i, options[logCommandMemberOption])

	var searchDate time.Time
	if dateOption, ok := options[logCommandDateOption]; ok {
		var err error
		searchDate, err = time.Parse(dateLayoutUS, dateOption.StringValue())
		if err != nil {
			logger.InfoContext(
				ctx,
				"rejected malformed date",
				"value", dateOption.StringValue(),
			)
			_ = handler.Respond(ctx, ephemeralResponse(logCommandBadDateMessage))
			return
		}
	}

	switch {
	case targetID != "" && searchDate.IsZero():
		v.respondWithDateBrowser(ctx, handler, invoker, targetID, targetName)
	default:
		v.respondWithEventList(ctx, handler, invoker, targetID, targetName, searchDate)
	}
}

// respondWithEventList covers the three flat branches of the matrix:
// user+date, date only, and neither.
func (v *VoiceLogger) respondWithEventList(
	ctx context.Context,
	handler InteractionHandler,
	invoker *discordgo.User,
	targetID string,
	targetName string,
	searchDate time.Time,
) {
	logger := handler.Logger()

	events, err := v.db.RecentEvents(ctx, targetID, searchDate, logPageSize)
	if err != nil {
		logger.ErrorContext(ctx, "error querying voice events", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(logCommandNoLogsMessage))
		return
	}

	var title string
	switch {
	case targetID != "" && !searchDate.IsZero():
		if len(events) == 0 {
			_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(
				logCommandUserDateNotFound,
				targetName,
				searchDate.Format(dateLayoutUS),
			)))
			return
		}
		title = fmt.Sprintf(
			"📜 Голосовые логи для %s за %s",
			targetName,
			searchDate.Format(dateLayoutUS),
		)
	case !searchDate.IsZero():
		if len(events) == 0 {
			_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(
				logCommandDateNotFoundFormat,
				searchDate.Format(dateLayoutUS),
			)))
			return
		}
		title = fmt.Sprintf("📜 Голосовые логи за %s", searchDate.Format(dateLayoutUS))
	default:
		if len(events) == 0 {
			_ = handler.Respond(ctx, ephemeralResponse(logCommandNoLogsMessage))
			return
		}
		title = "📜 Все голосовые логи"
	}

	_ = handler.Respond(ctx, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds: []*discordgo.MessageEmbed{
				eventsEmbed(title, events, invoker, v.now()),
			},
		},
	})
}

// respondWithDateBrowser handles the member-only branch: distinct dates
// rendered as a paginated button list.
func (v *VoiceLogger) respondWithDateBrowser(
	ctx context.Context,
	handler InteractionHandler,
	invoker *discordgo.User,
	targetID string,
	targetName string,
) {
	logger := handler.Logger()

	dates, err := v.db.EventDates(ctx, targetID)
	if err != nil {
		logger.ErrorContext(ctx, "error querying event dates", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(logCommandNoLogsMessage))
		return
	}
	if len(dates) == 0 {
		_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(
			logCommandNeverJoinedFormat, targetName,
		)))
		return
	}

	browser, err := newDateBrowser(invoker.ID, targetID, targetName, dates, handler)
	if err != nil {
		logger.ErrorContext(ctx, "error creating date browser", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(logCommandNoLogsMessage))
		return
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("📅 Доступные даты для %s", targetName),
		// 4096 is discord's embed description limit
		Description: truncate(strings.Join(dates, "\n"), 4096),
		Color:       colorQuery,
		Timestamp:   v.now().Format(time.RFC3339),
		Footer: &discordgo.MessageEmbedFooter{
			Text: logCommandPickDateFooter,
		},
	}

	if respondErr := handler.Respond(ctx, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: browser.components(false),
		},
	}); respondErr != nil {
		// no message to attach the browser to
		return
	}

	v.browsers.Add(browser)
	logger.InfoContext(
		ctx,
		"opened date browser",
		"browser_id", browser.id,
		"dates", len(dates),
		"pages", browser.maxPage()+1,
	)
}

// handleMessageComponent routes date-browser button presses: date
// selection (terminal) and prev/next page turns.
func (v *VoiceLogger) handleMessageComponent(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	customID, err := decodeBrowserCustomID(i.MessageComponentData().CustomID)
	if err != nil {
		logger.WarnContext(ctx, "unrecognized component custom_id", tint.Err(err))
		return
	}
	logger = logger.With("custom_id", customID)

	browser, ok := v.browsers.Get(customID.BrowserID)
	if !ok {
		// expired, or from before a restart
		_ = handler.Respond(ctx, ephemeralResponse(browserExpiredMessage))
		return
	}

	presser := getDiscordUser(i)
	if presser == nil || presser.ID != browser.requesterID {
		_ = handler.Respond(ctx, ephemeralResponse(browserRejectionMessage))
		return
	}

	switch customID.Kind {
	case browserComponentPage:
		if !browser.turnPage(customID.Value) {
			// stale press at the page boundary
			_ = handler.Respond(ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseDeferredMessageUpdate,
			})
			return
		}
		components := browser.components(false)
		_ = handler.Respond(ctx, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Components: components,
			},
		})
	case browserComponentDate:
		v.handleBrowserDateSelection(ctx, handler, browser, customID.Value)
	default:
		logger.WarnContext(ctx, "unknown component kind")
	}
}

// handleBrowserDateSelection re-queries the store for the browsed
// user+date and replaces the picker message with the event list,
// removing the controls. This is the terminal state for the message.
func (v *VoiceLogger) handleBrowserDateSelection(
	ctx context.Context,
	handler InteractionHandler,
	browser *dateBrowser,
	dateValue string,
) {
	logger := handler.Logger()

	searchDate, err := time.Parse(dateLayoutUS, dateValue)
	if err != nil {
		logger.WarnContext(ctx, "malformed date on button", "value", dateValue)
		_ = handler.Respond(ctx, ephemeralResponse(logCommandBadDateMessage))
		return
	}

	events, err := v.db.RecentEvents(ctx, browser.userID, searchDate, logPageSize)
	if err != nil {
		logger.ErrorContext(ctx, "error querying voice events", tint.Err(err))
		_ = handler.Respond(ctx, ephemeralResponse(logCommandNoLogsMessage))
		return
	}
	if len(events) == 0 {
		_ = handler.Respond(ctx, ephemeralResponse(fmt.Sprintf(
			logCommandDateNotFoundFormat, dateValue,
		)))
		return
	}

	embed := eventsEmbed(
		fmt.Sprintf("📜 Голосовые логи за %s", dateValue),
		events,
		getDiscordUser(handler.GetInteraction()),
		v.now(),
	)

	if respondErr := handler.Respond(ctx, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{},
		},
	}); respondErr == nil {
		v.browsers.Remove(browser.id)
	}
}

// eventsEmbed renders up to 25 rows as embed fields, newest first.
func eventsEmbed(
	title string,
	events []VoiceEvent,
	requestedBy *discordgo.User,
	now time.Time,
) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:     title,
		Color:     colorQuery,
		Timestamp: now.Format(time.RFC3339),
	}
	if requestedBy != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{
			Text:    fmt.Sprintf("Запрошено пользователем %s", requestedBy.Username),
			IconURL: requestedBy.AvatarURL(""),
		}
	}
	for _, event := range events {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: fmt.Sprintf("%s (ID: %s)", event.Username, event.UserID),
			// 1024 is discord's embed field value limit
			Value: truncate(eventFieldValue(event), 1024),
		})
	}
	return embed
}

// eventFieldValue formats one row for display, per event type.
func eventFieldValue(event VoiceEvent) string {
	timestamp := event.Timestamp
	if ts, err := time.Parse(timestampLayout, event.Timestamp); err == nil {
		timestamp = ts.Format(displayTimestampLayout)
	}

	switch event.EventType {
	case VoiceEventJoin:
		return fmt.Sprintf(
			"**Тип события**: Присоединение\n**Канал**: %s\n**Время**: %s",
			stringPointerValue(event.ChannelAfter),
			timestamp,
		)
	case VoiceEventLeave:
		return fmt.Sprintf(
			"**Тип события**: Покидание\n**Канал**: %s\n**Время выхода**: %s\n**Время пребывания**: %s",
			stringPointerValue(event.ChannelBefore),
			timestamp,
			stringPointerValue(event.Duration),
		)
	case VoiceEventSwitch:
		return fmt.Sprintf(
			"**Тип события**: Переключение каналов\n**Исходный канал**: %s\n**Новый канал**: %s\n**Время переключения**: %s\n**Время в исходном канале**: %s",
			stringPointerValue(event.ChannelBefore),
			stringPointerValue(event.ChannelAfter),
			timestamp,
			stringPointerValue(event.Duration),
		)
	default:
		return "Неизвестное событие."
	}
}

// resolveMemberOption extracts the target user ID and display name from
// the optional member option, preferring the interaction's resolved data.
func resolveMemberOption(
	i *discordgo.InteractionCreate,
	option *discordgo.ApplicationCommandInteractionDataOption,
) (userID string, displayName string) {
	if option == nil {
		return "", ""
	}
	user := option.UserValue(nil)
	if user == nil {
		return "", ""
	}
	userID = user.ID
	displayName = userID

	data := i.ApplicationCommandData()
	if data.Resolved != nil {
		if resolved, ok := data.Resolved.Users[userID]; ok && resolved != nil {
			displayName = resolved.Username
			if resolved.GlobalName != "" {
				displayName = resolved.GlobalName
			}
		}
		if member, ok := data.Resolved.Members[userID]; ok && member != nil &&
			member.Nick != "" {
			displayName = member.Nick
		}
	}
	return userID, displayName
}
