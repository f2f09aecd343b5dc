package voicelog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	// timestampLayout is the naive UTC second-precision format rows are
	// stored with. Date filtering relies on this layout sorting and
	// prefix-matching lexicographically.
	timestampLayout = "2006-01-02 15:04:05"

	// dateLayoutISO is the calendar-date prefix of timestampLayout.
	dateLayoutISO = "2006-01-02"

	// dateLayoutUS is the user-facing MM/DD/YYYY format accepted by the
	// /log command and rendered on the date-picker buttons.
	dateLayoutUS = "01/02/2006"

	// logPageSize caps every read at 25 rows/dates, matching discord's
	// 25-field embed limit.
	logPageSize = 25
)

var (
	sqliteExecPragma = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// Voice event types as persisted in the event_type column.
const (
	VoiceEventJoin   = "join"
	VoiceEventLeave  = "leave"
	VoiceEventSwitch = "switch"
)

// VoiceEvent is a single persisted join/leave/switch row.
//
// Column shape invariants:
//   - join: ChannelBefore and Duration are NULL
//   - leave: ChannelAfter is NULL, Duration is set
//   - switch: both channels and Duration are set
//
// Duration is measured from the immediately preceding join/switch of the
// same user, and stored pre-formatted (see [FormatDuration]).
type VoiceEvent struct {
	ID            uint    `gorm:"primaryKey" json:"id"`
	UserID        string  `gorm:"index;not null" json:"user_id"`
	Username      string  `gorm:"not null" json:"username"`
	EventType     string  `gorm:"not null" json:"event_type"`
	ChannelBefore *string `json:"channel_before"`
	ChannelAfter  *string `json:"channel_after"`
	Timestamp     string  `gorm:"index;not null" json:"timestamp"`
	Duration      *string `json:"duration"`
}

func (VoiceEvent) TableName() string {
	return "voice_logs"
}

func (e VoiceEvent) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("user_id", e.UserID),
		slog.String("username", e.Username),
		slog.String("event_type", e.EventType),
		slog.String("timestamp", e.Timestamp),
	}
	if e.ChannelBefore != nil {
		attrs = append(attrs, slog.String("channel_before", *e.ChannelBefore))
	}
	if e.ChannelAfter != nil {
		attrs = append(attrs, slog.String("channel_after", *e.ChannelAfter))
	}
	if e.Duration != nil {
		attrs = append(attrs, slog.String("duration", *e.Duration))
	}
	return slog.GroupValue(attrs...)
}

// database wraps the GORM connection. SQLite only tolerates a single
// writer, so inserts take a mutex when running on SQLite; on postgres the
// lock is a no-op.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

func newDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) *database {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// RecordEvent appends one fully-formed row to voice_logs.
func (d *database) RecordEvent(ctx context.Context, event *VoiceEvent) error {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	return d.db.WithContext(ctx).Create(event).Error
}

// RecentEvents returns the most recent rows, newest first, optionally
// filtered by exact user ID and/or exact UTC calendar date. A zero date
// means no date filter; an empty userID means all users. Results are
// capped at limit (or [logPageSize] when limit is <= 0).
func (d *database) RecentEvents(
	ctx context.Context,
	userID string,
	date time.Time,
	limit int,
) ([]VoiceEvent, error) {
	if limit <= 0 {
		limit = logPageSize
	}
	tx := d.db.WithContext(ctx).Model(&VoiceEvent{})
	if userID != "" {
		tx = tx.Where("user_id = ?", userID)
	}
	if !date.IsZero() {
		// timestamp is a naive 'YYYY-MM-DD HH:MM:SS' string, so a prefix
		// match selects the calendar date and still uses the index.
		tx = tx.Where("timestamp LIKE ?", date.UTC().Format(dateLayoutISO)+"%")
	}
	var events []VoiceEvent
	err := tx.Order("timestamp DESC").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("error querying voice events: %w", err)
	}
	return events, nil
}

// EventDates returns the distinct calendar dates (newest first) on which
// the given user has at least one row, formatted MM/DD/YYYY for the
// date-picker buttons.
func (d *database) EventDates(ctx context.Context, userID string) (
	[]string,
	error,
) {
	var days []string
	err := d.db.WithContext(ctx).Model(&VoiceEvent{}).
		Distinct("substr(timestamp, 1, 10)").
		Where("user_id = ?", userID).
		Order("substr(timestamp, 1, 10) DESC").
		Pluck("substr(timestamp, 1, 10)", &days).Error
	if err != nil {
		return nil, fmt.Errorf("error querying event dates: %w", err)
	}

	dates := make([]string, 0, len(days))
	for _, day := range days {
		dt, parseErr := time.Parse(dateLayoutISO, day)
		if parseErr != nil {
			d.logger.Warn(
				"skipping malformed date bucket",
				"value", day,
				"user_id", userID,
			)
			continue
		}
		dates = append(dates, dt.Format(dateLayoutUS))
	}
	return dates, nil
}

// CreateDB initializes a GORM connection for the given database type and
// idempotently migrates the voice_logs schema.
func CreateDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return db, err
	}

	if databaseType == dbTypeSQLite {
		for _, pragma := range sqliteExecPragma {
			if execErr := db.Exec(pragma).Error; execErr != nil {
				return db, fmt.Errorf("error setting pragma %q: %w", pragma, execErr)
			}
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(&VoiceEvent{}); err != nil {
		return db, fmt.Errorf("error migrating voice_logs: %w", err)
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	if gormLogger != nil {
		gormConfig.Logger = gormLogger
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" && parentDir != "." {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(sqlite.Open(database), gormConfig)
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
