package voicelog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Button custom-ID kinds for the date browser.
const (
	browserComponentDate = "date"
	browserComponentPage = "page"

	browserPagePrev = "prev"
	browserPageNext = "next"

	browserIDLength = 16
)

var (
	browserRejectionMessage = "❌ Вы не можете использовать эти кнопки."
	browserExpiredMessage   = "⌛ Эти кнопки больше не активны."
)

// dateBrowser is the paginated date-picker state machine: a page index in
// [0, maxPage], maxPage = ceil(len(dates)/25) - 1. Selecting a date is
// terminal for the message; prev/next mutate the page index and
// re-render the same control set.
type dateBrowser struct {
	id          string
	requesterID string
	userID      string
	displayName string
	dates       []string
	handler     InteractionHandler

	mu    sync.Mutex
	page  int
	timer *time.Timer
}

func newDateBrowser(
	requesterID string,
	userID string,
	displayName string,
	dates []string,
	handler InteractionHandler,
) (*dateBrowser, error) {
	id, err := generateRandomHexString(browserIDLength)
	if err != nil {
		return nil, fmt.Errorf("error generating browser id: %w", err)
	}
	return &dateBrowser{
		id:          id,
		requesterID: requesterID,
		userID:      userID,
		displayName: displayName,
		dates:       dates,
		handler:     handler,
	}, nil
}

func (b *dateBrowser) maxPage() int {
	if len(b.dates) == 0 {
		return 0
	}
	return (len(b.dates) - 1) / logPageSize
}

func (b *dateBrowser) currentPage() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.page
}

// turnPage moves the page index in the given direction, staying within
// [0, maxPage]. Returns false when the move was out of bounds.
func (b *dateBrowser) turnPage(direction string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch direction {
	case browserPagePrev:
		if b.page == 0 {
			return false
		}
		b.page--
	case browserPageNext:
		if b.page >= b.maxPage() {
			return false
		}
		b.page++
	default:
		return false
	}
	return true
}

// pageDates returns the dates visible on the current page.
func (b *dateBrowser) pageDates() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := b.page * logPageSize
	end := start + logPageSize
	if end > len(b.dates) {
		end = len(b.dates)
	}
	return b.dates[start:end]
}

// components renders the current page: one primary button per date,
// chunked 5 per action row, plus a prev/next row when more than one page
// exists (prev hidden on page 0, next hidden on the last page).
func (b *dateBrowser) components(disabled bool) []discordgo.MessageComponent {
	pageDates := b.pageDates()
	page := b.currentPage()

	dateButtons := make([]discordgo.MessageComponent, 0, len(pageDates))
	for _, date := range pageDates {
		dateButtons = append(dateButtons, discordgo.Button{
			Label:    date,
			Style:    discordgo.PrimaryButton,
			Disabled: disabled,
			CustomID: fmt.Sprintf(customIDFormat, browserComponentDate, b.id, date),
		})
	}

	var rows []discordgo.MessageComponent
	for _, chunk := range chunkItems(discordMaxButtonsPerActionRow, dateButtons...) {
		rows = append(rows, discordgo.ActionsRow{Components: chunk})
	}

	if b.maxPage() > 0 {
		var navButtons []discordgo.MessageComponent
		if page > 0 {
			navButtons = append(navButtons, discordgo.Button{
				Label:    "⬅️",
				Style:    discordgo.SecondaryButton,
				Disabled: disabled,
				CustomID: fmt.Sprintf(
					customIDFormat, browserComponentPage, b.id, browserPagePrev,
				),
			})
		}
		if page < b.maxPage() {
			navButtons = append(navButtons, discordgo.Button{
				Label:    "➡️",
				Style:    discordgo.SecondaryButton,
				Disabled: disabled,
				CustomID: fmt.Sprintf(
					customIDFormat, browserComponentPage, b.id, browserPageNext,
				),
			})
		}
		if len(navButtons) > 0 {
			rows = append(rows, discordgo.ActionsRow{Components: navButtons})
		}
	}
	return rows
}

// browserCustomID is a decoded date-browser button custom_id.
type browserCustomID struct {
	Kind      string
	BrowserID string
	Value     string
}

func (c browserCustomID) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", c.Kind),
		slog.String("browser_id", c.BrowserID),
		slog.String("value", c.Value),
	)
}

// decodeBrowserCustomID splits "<kind>:<browser id>:<value>". The value
// may itself contain ':'-free content only (dates use '/').
func decodeBrowserCustomID(customID string) (browserCustomID, error) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 {
		return browserCustomID{}, fmt.Errorf("invalid custom_id format: %q", customID)
	}
	return browserCustomID{
		Kind:      parts[0],
		BrowserID: parts[1],
		Value:     parts[2],
	}, nil
}

// browserRegistry holds live date browsers, keyed by the random hex ID
// embedded in their button custom IDs, and expires them after the idle
// timeout by disabling the controls in place.
type browserRegistry struct {
	mu       sync.Mutex
	browsers map[string]*dateBrowser
	timeout  time.Duration
	logger   *slog.Logger
}

func newBrowserRegistry(timeout time.Duration, log *slog.Logger) *browserRegistry {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultBrowserTimeout
	}
	return &browserRegistry{
		browsers: map[string]*dateBrowser{},
		timeout:  timeout,
		logger:   log.With(loggerNameKey, "browser_registry"),
	}
}

// Add registers the browser and arms its idle timer.
func (r *browserRegistry) Add(b *dateBrowser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.timer = time.AfterFunc(r.timeout, func() {
		r.expire(b)
	})
	r.browsers[b.id] = b
}

func (r *browserRegistry) Get(id string) (*dateBrowser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.browsers[id]
	return b, ok
}

// Remove unregisters the browser and stops its idle timer (terminal
// date selection, shutdown).
func (r *browserRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.browsers[id]; ok {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(r.browsers, id)
	}
}

// Len returns the number of live browsers.
func (r *browserRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.browsers)
}

// Shutdown stops all idle timers without editing any messages.
func (r *browserRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.browsers {
		if b.timer != nil {
			b.timer.Stop()
		}
		delete(r.browsers, id)
	}
}

// expire fires on the idle timeout: the browser is dropped from the
// registry and its controls are disabled in place via the original
// interaction token (valid well past the 60s window).
func (r *browserRegistry) expire(b *dateBrowser) {
	r.mu.Lock()
	if _, ok := r.browsers[b.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.browsers, b.id)
	r.mu.Unlock()

	components := b.components(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.handler.Edit(
		ctx,
		&discordgo.WebhookEdit{Components: &components},
	); err != nil {
		r.logger.Error(
			"error disabling expired browser controls",
			"browser_id", b.id,
			tint.Err(err),
		)
	} else {
		r.logger.Info("expired date browser", "browser_id", b.id)
	}
}
