package voicelog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultTestConfig returns a config suitable for tests: a per-test
// SQLite file, placeholder credentials and an ephemeral API port.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Database = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.Discord.Token = "test-token"
	cfg.Discord.ApplicationID = "app_" + t.Name()
	cfg.Discord.GuildID = "100000000000000001"
	cfg.Discord.LogChannelID = "100000000000000002"
	cfg.API.Listen = "127.0.0.1:0"
	return cfg
}

// newVoiceLogger starts a full bot with a mocked gateway session and a
// stubbed interaction handler, blocking until it signals ready. The
// returned stub captures interaction responses/edits, the mock session
// captures broadcast sends.
func newVoiceLogger(t testing.TB) (*VoiceLogger, *mockDiscordSession) {
	t.Helper()
	return newVoiceLoggerWithConfig(t, DefaultTestConfig(t))
}

func newVoiceLoggerWithConfig(
	t testing.TB,
	cfg *Config,
) (*VoiceLogger, *mockDiscordSession) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	bot, err := New(cfg)
	require.NoError(t, err)

	session := newMockDiscordSession(t)
	bot.discord.session = session

	bot.getInteractionHandlerFunc = func(
		_ context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler {
		return stubInteractionHandler{
			callRespond: session.callRespond,
			callEdit:    session.callEdit,
			GatewayHandler: GatewayHandler{
				session:     session,
				interaction: i,
				logger:      slog.Default().With("test_name", t.Name()),
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
		t.Cleanup(
			func() {
				select {
				case bot.signalStop <- struct{}{}:
				default:
				}
			},
		)
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for ready signal")
	}

	return bot, session
}

type stubEmbedSend struct {
	ChannelID string
	Embed     *discordgo.MessageEmbed
}

type stubMessageSend struct {
	ChannelID string
	Content   string
}

type stubEdits struct {
	WebhookEdit *discordgo.WebhookEdit
	Opts        []discordgo.RequestOption
}

// mockDiscordSession implements DiscordSessionHandler without a gateway
// connection, recording outbound traffic on channels so tests can
// validate what was sent.
type mockDiscordSession struct {
	logger *slog.Logger

	callMessageSend chan *stubMessageSend
	callEmbedSend   chan *stubEmbedSend
	callRespond     chan *discordgo.InteractionResponse
	callEdit        chan *stubEdits
}

func newMockDiscordSession(t testing.TB) *mockDiscordSession {
	t.Helper()
	return &mockDiscordSession{
		logger:          slog.Default().With("test_name", t.Name()),
		callMessageSend: make(chan *stubMessageSend, 100),
		callEmbedSend:   make(chan *stubEmbedSend, 100),
		callRespond:     make(chan *discordgo.InteractionResponse, 100),
		callEdit:        make(chan *stubEdits, 100),
	}
}

func (m *mockDiscordSession) Open() error {
	m.logger.Info("opened session")
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.logger.Info("closed session")
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.callMessageSend <- &stubMessageSend{ChannelID: channelID, Content: message}
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ChannelMessageSendEmbed(
	channelID string,
	embed *discordgo.MessageEmbed,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.callEmbedSend <- &stubEmbedSend{ChannelID: channelID, Embed: embed}
	return &discordgo.Message{}, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		created[i] = &discordgo.ApplicationCommand{
			ID:          fmt.Sprintf("cmd_%d", i),
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return created, nil
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.callRespond <- resp
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	edit *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.callEdit <- &stubEdits{WebhookEdit: edit}
	return &discordgo.Message{}, nil
}

// Channel resolves every ID to a deterministic name, mirroring the
// state-cache lookup.
func (m *mockDiscordSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{
		ID:   channelID,
		Name: "voice-" + channelID,
	}, nil
}

func (m *mockDiscordSession) UpdateCustomStatus(_ string) error {
	return nil
}

func (m *mockDiscordSession) SetIdentify(_ discordgo.Identify) {}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// stubInteractionHandler records responses/edits instead of calling the
// discord REST API.
type stubInteractionHandler struct {
	GatewayHandler GatewayHandler

	callRespond chan *discordgo.InteractionResponse
	callEdit    chan *stubEdits
}

func (s stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.callRespond <- i
	return nil
}

func (s stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.callEdit <- &stubEdits{WebhookEdit: e, Opts: opts}
	return &discordgo.Message{}, nil
}

func (s stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.GatewayHandler.interaction
}

func (s stubInteractionHandler) Logger() *slog.Logger {
	return s.GatewayHandler.Logger()
}

// newDiscordUser creates a discordgo.User keyed to the test name.
func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	return &discordgo.User{
		ID:         t.Name(),
		Username:   fmt.Sprintf("u_%s", t.Name()),
		GlobalName: fmt.Sprintf("g_%s", t.Name()),
	}
}

// newLogCommandInteraction builds a /log invocation from a guild member
// with the given permission bits.
func newLogCommandInteraction(
	t testing.TB,
	u *discordgo.User,
	permissions int64,
	options []*discordgo.ApplicationCommandInteractionDataOption,
	resolved *discordgo.ApplicationCommandInteractionDataResolved,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionApplicationCommand,
			ID:      fmt.Sprintf("interaction_%s", t.Name()),
			GuildID: "100000000000000001",
			Member: &discordgo.Member{
				User:        u,
				Permissions: permissions,
			},
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandLog,
				Options:     options,
				Resolved:    resolved,
			},
		},
	}
}

// newComponentInteraction builds a button press from a guild member.
func newComponentInteraction(
	t testing.TB,
	u *discordgo.User,
	customID string,
) *discordgo.InteractionCreate {
	t.Helper()
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type:    discordgo.InteractionMessageComponent,
			ID:      fmt.Sprintf("component_%s", t.Name()),
			GuildID: "100000000000000001",
			Member:  &discordgo.Member{User: u},
			Data: discordgo.MessageComponentInteractionData{
				CustomID:      customID,
				ComponentType: discordgo.ButtonComponent,
			},
		},
	}
}

// voiceStateEvent builds a gateway voice transition for the member.
// Empty channel IDs mean "not in a channel" on that side.
func voiceStateEvent(
	member *discordgo.Member,
	beforeChannelID string,
	afterChannelID string,
) *discordgo.VoiceStateUpdate {
	e := &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "100000000000000001",
			UserID:    member.User.ID,
			ChannelID: afterChannelID,
			Member:    member,
		},
	}
	if beforeChannelID != "" {
		e.BeforeUpdate = &discordgo.VoiceState{
			GuildID:   "100000000000000001",
			UserID:    member.User.ID,
			ChannelID: beforeChannelID,
		}
	}
	return e
}

func requireRespond(
	t testing.TB,
	ch chan *discordgo.InteractionResponse,
) *discordgo.InteractionResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for interaction response")
		return nil
	}
}

func TestNewValidatesDatabaseType(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	cfg.DatabaseType = "oracle"
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid database type")
}

func TestConfigValidateRejectsMissingToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	require.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsNonNumericSnowflake(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.GuildID = "not-a-snowflake"
	require.Error(t, cfg.Validate())
}

// TestVoiceSessionLifecycle walks one user through join -> switch ->
// leave with a controlled clock and checks the persisted rows, the
// broadcast embeds and the tracker state at each step.
func TestVoiceSessionLifecycle(t *testing.T) {
	bot, session := newVoiceLogger(t)

	baseTime := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	currentTime := baseTime
	bot.now = func() time.Time { return currentTime }

	member := &discordgo.Member{User: newDiscordUser(t)}
	handler := bot.handlerVoiceStateUpdate()

	// T0: join
	handler(nil, voiceStateEvent(member, "", "general"))
	require.Equal(t, 1, bot.tracker.Len())

	tracked, ok := bot.tracker.Current(member.User.ID)
	require.True(t, ok)
	assert.Equal(t, "voice-general", tracked.ChannelName)
	assert.Equal(t, baseTime, tracked.JoinedAt)

	// T0+90s: switch
	currentTime = baseTime.Add(90 * time.Second)
	handler(nil, voiceStateEvent(member, "general", "afk"))
	require.Equal(t, 1, bot.tracker.Len())

	tracked, ok = bot.tracker.Current(member.User.ID)
	require.True(t, ok)
	assert.Equal(t, "voice-afk", tracked.ChannelName)
	assert.Equal(t, currentTime, tracked.JoinedAt)

	// T0+200s: leave
	currentTime = baseTime.Add(200 * time.Second)
	handler(nil, voiceStateEvent(member, "afk", ""))
	assert.Equal(t, 0, bot.tracker.Len())

	events, err := bot.db.RecentEvents(
		context.Background(),
		member.User.ID,
		time.Time{},
		0,
	)
	require.NoError(t, err)
	require.Len(t, events, 3)

	// newest first
	leave, sw, join := events[0], events[1], events[2]

	assert.Equal(t, VoiceEventJoin, join.EventType)
	assert.Equal(t, "2024-01-15 12:00:00", join.Timestamp)
	assert.Nil(t, join.ChannelBefore)
	assert.Nil(t, join.Duration)
	require.NotNil(t, join.ChannelAfter)
	assert.Equal(t, "voice-general", *join.ChannelAfter)
	assert.Equal(t, member.User.GlobalName, join.Username)

	assert.Equal(t, VoiceEventSwitch, sw.EventType)
	assert.Equal(t, "2024-01-15 12:01:30", sw.Timestamp)
	require.NotNil(t, sw.ChannelBefore)
	assert.Equal(t, "voice-general", *sw.ChannelBefore)
	require.NotNil(t, sw.ChannelAfter)
	assert.Equal(t, "voice-afk", *sw.ChannelAfter)
	require.NotNil(t, sw.Duration)
	assert.Equal(t, "0 ч 1 м 30 с", *sw.Duration)

	assert.Equal(t, VoiceEventLeave, leave.EventType)
	assert.Equal(t, "2024-01-15 12:03:20", leave.Timestamp)
	require.NotNil(t, leave.ChannelBefore)
	assert.Equal(t, "voice-afk", *leave.ChannelBefore)
	assert.Nil(t, leave.ChannelAfter)
	require.NotNil(t, leave.Duration)
	// 110s in the second channel
	assert.Equal(t, "0 ч 1 м 50 с", *leave.Duration)

	// one broadcast per transition, in order, to the log channel
	titles := []string{
		"🔊 Присоединение к голосовому каналу",
		"🔀 Переключение голосовых каналов",
		"🔊 Покидание голосового канала",
	}
	colors := []int{colorJoin, colorSwitch, colorLeave}
	for i := range titles {
		select {
		case sent := <-session.callEmbedSend:
			assert.Equal(t, bot.config.Discord.LogChannelID, sent.ChannelID)
			assert.Equal(t, titles[i], sent.Embed.Title)
			assert.Equal(t, colors[i], sent.Embed.Color)
		default:
			t.Fatalf("missing broadcast embed %d", i)
		}
	}
}

func TestLeaveWithoutTrackedSessionIsDropped(t *testing.T) {
	bot, session := newVoiceLogger(t)
	member := &discordgo.Member{User: newDiscordUser(t)}

	bot.handlerVoiceStateUpdate()(nil, voiceStateEvent(member, "general", ""))

	events, err := bot.db.RecentEvents(
		context.Background(),
		member.User.ID,
		time.Time{},
		0,
	)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, session.callEmbedSend)
}

func TestSwitchWithoutTrackedSessionRetracksOnly(t *testing.T) {
	bot, session := newVoiceLogger(t)
	member := &discordgo.Member{User: newDiscordUser(t)}

	bot.handlerVoiceStateUpdate()(nil, voiceStateEvent(member, "general", "afk"))

	// no row and no broadcast, but the user is tracked in the new channel
	events, err := bot.db.RecentEvents(
		context.Background(),
		member.User.ID,
		time.Time{},
		0,
	)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Empty(t, session.callEmbedSend)

	tracked, ok := bot.tracker.Current(member.User.ID)
	require.True(t, ok)
	assert.Equal(t, "voice-afk", tracked.ChannelName)
}

func TestBotVoiceStatesIgnored(t *testing.T) {
	bot, session := newVoiceLogger(t)
	member := &discordgo.Member{
		User: &discordgo.User{ID: "bot_user", Username: "robot", Bot: true},
	}

	bot.handlerVoiceStateUpdate()(nil, voiceStateEvent(member, "", "general"))

	assert.Equal(t, 0, bot.tracker.Len())
	assert.Empty(t, session.callEmbedSend)
}

func TestUnchangedChannelIsNoOp(t *testing.T) {
	bot, session := newVoiceLogger(t)
	member := &discordgo.Member{User: newDiscordUser(t)}

	// mute/deafen updates arrive with the same channel on both sides
	bot.handlerVoiceStateUpdate()(nil, voiceStateEvent(member, "general", "general"))

	assert.Equal(t, 0, bot.tracker.Len())
	assert.Empty(t, session.callEmbedSend)
}

func TestHandleInteractionIgnoresUnknownCommand(t *testing.T) {
	bot, session := newVoiceLogger(t)
	user := newDiscordUser(t)

	i := newLogCommandInteraction(t, user, discordgo.PermissionManageMessages, nil, nil)
	i.Data = discordgo.ApplicationCommandInteractionData{
		CommandType: discordgo.ChatApplicationCommand,
		Name:        "unknown",
	}

	ctx := context.Background()
	bot.handleInteraction(ctx, bot.getInteractionHandlerFunc(ctx, i))
	assert.Empty(t, session.callRespond)
}
