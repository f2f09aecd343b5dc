package voicelog

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// InteractionHandler abstracts responding to a Discord interaction, so
// command execution stays identical between the live gateway and tests.
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] for interactions
// received via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Logger() *slog.Logger {
	if w.logger == nil {
		return slog.Default()
	}
	return w.logger
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(
		w.interaction.Interaction,
		response,
		discordgo.WithContext(ctx),
	)
	if err != nil {
		w.Logger().ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	}
	return err
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	editResponse *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	opts = append(opts, discordgo.WithContext(ctx))
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		editResponse,
		opts...,
	)
	if err != nil {
		w.Logger().ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	}
	return msg, err
}

// ephemeralResponse wraps content in an ephemeral channel-message
// interaction response (refusals, validation errors, empty results).
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}
