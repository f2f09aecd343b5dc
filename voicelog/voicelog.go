// Package voicelog implements a Discord bot that records voice-channel
// joins, leaves and switches to a database, announces them to a log
// channel, and exposes the history via a /log slash command and a small
// read-only HTTP API.
package voicelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

var defaultLogWriter io.Writer = os.Stdout

// Set via:
// -ldflags "-X github.com/DeftSolutions-dev/Discord-Voice-Logger-Bot/voicelog.Version=$$(date +'%Y%m%d')"
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// VoiceLogger is the top-level bot. Create it with [New], then call
// [VoiceLogger.Run], which blocks until the given context is canceled.
type VoiceLogger struct {
	config *Config

	db       *database
	tracker  *sessionTracker
	discord  *Discord
	notifier *channelNotifier
	browsers *browserRegistry
	api      *API

	logger     *slog.Logger
	logHandler slog.Handler

	// now is the clock used for join/leave timestamps and duration math
	now func() time.Time

	runMu     sync.Mutex
	startedAt time.Time

	// signalStop triggers a graceful shutdown when signaled
	signalStop chan struct{}

	// signalReady is signaled once, when the gateway session is open and
	// the /log command is registered
	signalReady chan struct{}

	// getInteractionHandlerFunc should be a callable to be used
	// when an interaction is seen, and returns an InteractionHandler
	// interface
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New creates a new VoiceLogger bot from the given config. It wires
// logging and the discord/API components, but does not touch the
// database or the gateway until [VoiceLogger.Run].
func New(config *Config) (*VoiceLogger, error) {
	var errs []error

	if config == nil {
		config = DefaultConfig()
	}

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	v := &VoiceLogger{
		config:      config,
		tracker:     newSessionTracker(),
		signalReady: make(chan struct{}, 1),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}

	v.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     v.config.LogLevel,
			AddSource: true,
		},
	)

	v.logger = slog.New(v.logHandler)
	slog.SetDefault(v.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     v.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(v.config.Discord)
	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     v.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	v.discord = disc
	disc.bot = v

	v.browsers = newBrowserRegistry(v.config.BrowserTimeout, v.logger)

	api, err := newAPI(v, v.config.API)
	if err != nil {
		errs = append(errs, err)
	}
	v.api = api

	return v, errors.Join(errs...)
}

// Run starts the bot and blocks until ctx is canceled or startup fails.
// On cancellation it closes the gateway session, disables any open date
// browsers, stops the HTTP API and closes the database.
func (v *VoiceLogger) Run(ctx context.Context) error {
	// prevents concurrent runs
	v.runMu.Lock()
	defer v.runMu.Unlock()

	v.startedAt = time.Now()
	v.signalStop = make(chan struct{}, 1)
	logger := v.logger

	if err := v.config.Validate(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", v.config))

	ctx = WithLogger(ctx, logger)

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-v.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, v.config.StartupTimeout)
	defer startCancel()

	if err := v.initDB(startCtx); err != nil {
		logger.ErrorContext(ctx, "error initializing database", tint.Err(err))
		return err
	}

	if err := v.initDiscordSession(ctx); err != nil {
		logger.ErrorContext(ctx, "error creating discord session", tint.Err(err))
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)

	if v.api != nil && v.config.API.Listen != "" {
		group.Go(func() error {
			serveErr := v.api.Serve(groupCtx)
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.ErrorContext(groupCtx, "error serving api HTTP", tint.Err(serveErr))
				return serveErr
			}
			return nil
		})
	}

	if err := v.discord.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	if _, err := v.discord.registerCommands(
		discordgo.WithContext(startCtx),
	); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	select {
	case v.signalReady <- struct{}{}:
		logger.InfoContext(ctx, "sent ready signal")
	default:
	}

	// block until something cancels the runtime context - generally an
	// interrupt, or the API failing to bind its listener
	<-groupCtx.Done()

	return v.shutdown(group)
}

// Stop triggers a graceful shutdown of a running bot.
func (v *VoiceLogger) Stop() {
	if v.signalStop != nil {
		select {
		case v.signalStop <- struct{}{}:
		default:
		}
	}
}

// initDB connects to the configured database and migrates the
// voice_logs schema.
func (v *VoiceLogger) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     v.config.DatabaseLogLevel,
				AddSource: true,
			},
		),
		v.config.DatabaseSlowThreshold,
	)

	db, err := CreateDB(ctx, v.config.DatabaseType, v.config.Database, gormLogger)
	if err != nil {
		return err
	}
	v.db = newDatabase(db, v.logger, v.config.DatabaseType != dbTypeSQLite)
	return nil
}

// initDiscordSession creates the gateway session (if one wasn't already
// injected) and attaches the event handlers.
func (v *VoiceLogger) initDiscordSession(ctx context.Context) error {
	logger := v.logger.With(loggerNameKey, "discord_session")

	if v.discord.session == nil {
		session, err := v.discord.newSession()
		if err != nil {
			return fmt.Errorf("error creating discord session: %w", err)
		}
		v.discord.session = session
	}

	ctx = WithLogger(ctx, logger)

	for _, removeHandler := range v.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}

	v.discord.session.SetIdentify(
		discordgo.Identify{Intents: v.config.Discord.GatewayIntents},
	)

	v.discord.discordgoRemoveHandlerFuncs = []func(){
		v.discord.session.AddHandler(v.discord.handlerConnect()),
		v.discord.session.AddHandler(v.discord.handlerDisconnect()),
		v.discord.session.AddHandler(v.discord.handlerReady()),
		v.discord.session.AddHandler(v.handlerVoiceStateUpdate()),
		v.discord.session.AddHandler(
			func(
				_ *discordgo.Session,
				i *discordgo.InteractionCreate,
			) {
				handler := v.getInteractionHandlerFunc(ctx, i)
				go v.handleInteraction(ctx, handler)
			},
		),
	}

	if v.getInteractionHandlerFunc == nil {
		v.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     v.discord.session,
				interaction: i,
				logger: v.logger.With(
					slog.Group(
						"interaction",
						interactionLogAttrs(*i)...,
					),
				),
			}
		}
	}

	v.notifier = newChannelNotifier(
		v.discord.session,
		v.config.Discord.LogChannelID,
		v.logger,
	)
	return nil
}

// handleInteraction routes a gateway interaction to the /log command or
// the date-browser component handlers.
func (v *VoiceLogger) handleInteraction(
	ctx context.Context,
	handler InteractionHandler,
) {
	i := handler.GetInteraction()
	logger := handler.Logger()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case DiscordSlashCommandLog:
			v.handleLogCommand(ctx, handler)
		default:
			logger.WarnContext(ctx, "unknown command", "command", data.Name)
		}
	case discordgo.InteractionMessageComponent:
		v.handleMessageComponent(ctx, handler)
	default:
		logger.WarnContext(
			ctx,
			"ignoring interaction",
			"interaction_type", i.Type.String(),
		)
	}
}

// shutdown closes the gateway session, disables any live date browsers,
// waits for the API server to stop and closes the database handle.
func (v *VoiceLogger) shutdown(group *errgroup.Group) error {
	logger := v.logger
	logger.Warn("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		v.config.ShutdownTimeout,
	)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		if v.discord != nil && v.discord.session != nil {
			if closeErr := v.discord.session.Close(); closeErr != nil {
				logger.Error("error closing discord session", tint.Err(closeErr))
			}
		}

		v.browsers.Shutdown()

		var errs []error
		errs = append(errs, group.Wait())

		if v.db != nil {
			if sqlDB, dbErr := v.db.DB().DB(); dbErr == nil {
				errs = append(errs, sqlDB.Close())
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		logger.Warn("shutdown complete")
		return err
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown timed out after %s", v.config.ShutdownTimeout)
	}
}
