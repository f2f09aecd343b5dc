package voicelog

import (
	"fmt"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDates(n int) []string {
	dates := make([]string, 0, n)
	for i := 0; i < n; i++ {
		dates = append(dates, fmt.Sprintf("01/%02d/2024", i+1))
	}
	return dates
}

func newTestBrowser(t testing.TB, dateCount int) *dateBrowser {
	t.Helper()
	browser, err := newDateBrowser(
		"requester",
		"target",
		"Target",
		testDates(dateCount),
		newStubInteractionHandler(t),
	)
	require.NoError(t, err)
	return browser
}

func newStubInteractionHandler(t testing.TB) stubInteractionHandler {
	t.Helper()
	return stubInteractionHandler{
		callRespond: make(chan *discordgo.InteractionResponse, 100),
		callEdit:    make(chan *stubEdits, 100),
	}
}

func TestBrowserMaxPage(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		dates    int
		expected int
	}{
		{1, 0},
		{25, 0},
		{26, 1},
		{50, 1},
		{51, 2},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(fmt.Sprintf("%d_dates", tc.dates), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, newTestBrowser(t, tc.dates).maxPage())
		})
	}
}

func TestBrowserTurnPageBounds(t *testing.T) {
	t.Parallel()
	browser := newTestBrowser(t, 30)

	// page 0: prev is out of bounds
	assert.False(t, browser.turnPage(browserPagePrev))
	assert.Equal(t, 0, browser.currentPage())

	assert.True(t, browser.turnPage(browserPageNext))
	assert.Equal(t, 1, browser.currentPage())

	// page 1 is the last page: next is out of bounds
	assert.False(t, browser.turnPage(browserPageNext))
	assert.Equal(t, 1, browser.currentPage())

	assert.True(t, browser.turnPage(browserPagePrev))
	assert.Equal(t, 0, browser.currentPage())

	assert.False(t, browser.turnPage("sideways"))
}

func TestBrowserPageDates(t *testing.T) {
	t.Parallel()
	browser := newTestBrowser(t, 30)

	first := browser.pageDates()
	require.Len(t, first, 25)
	assert.Equal(t, "01/01/2024", first[0])

	require.True(t, browser.turnPage(browserPageNext))
	second := browser.pageDates()
	require.Len(t, second, 5)
	assert.Equal(t, "01/26/2024", second[0])
}

func TestBrowserComponentsSinglePage(t *testing.T) {
	t.Parallel()
	browser := newTestBrowser(t, 7)

	rows := browser.components(false)
	// 7 buttons chunked 5 per row, no nav row for a single page
	require.Len(t, rows, 2)

	firstRow, ok := rows[0].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, firstRow.Components, 5)

	button, ok := firstRow.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "01/01/2024", button.Label)
	assert.False(t, button.Disabled)
	assert.Equal(
		t,
		fmt.Sprintf("date:%s:01/01/2024", browser.id),
		button.CustomID,
	)

	secondRow, ok := rows[1].(discordgo.ActionsRow)
	require.True(t, ok)
	assert.Len(t, secondRow.Components, 2)
}

func TestBrowserComponentsNavRow(t *testing.T) {
	t.Parallel()
	browser := newTestBrowser(t, 30)

	// page 0: 5 full rows of dates plus a next-only nav row
	rows := browser.components(false)
	require.Len(t, rows, 6)
	nav, ok := rows[5].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, nav.Components, 1)
	next, ok := nav.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "➡️", next.Label)
	assert.Equal(
		t,
		fmt.Sprintf("page:%s:next", browser.id),
		next.CustomID,
	)

	// last page: one row of 5 dates plus a prev-only nav row
	require.True(t, browser.turnPage(browserPageNext))
	rows = browser.components(false)
	require.Len(t, rows, 2)
	nav, ok = rows[1].(discordgo.ActionsRow)
	require.True(t, ok)
	require.Len(t, nav.Components, 1)
	prev, ok := nav.Components[0].(discordgo.Button)
	require.True(t, ok)
	assert.Equal(t, "⬅️", prev.Label)
}

func TestBrowserComponentsDisabled(t *testing.T) {
	t.Parallel()
	browser := newTestBrowser(t, 30)

	for _, row := range browser.components(true) {
		actionsRow, ok := row.(discordgo.ActionsRow)
		require.True(t, ok)
		for _, component := range actionsRow.Components {
			button, castOK := component.(discordgo.Button)
			require.True(t, castOK)
			assert.True(t, button.Disabled)
		}
	}
}

func TestDecodeBrowserCustomID(t *testing.T) {
	t.Parallel()

	decoded, err := decodeBrowserCustomID("date:deadbeef:01/15/2024")
	require.NoError(t, err)
	assert.Equal(t, browserComponentDate, decoded.Kind)
	assert.Equal(t, "deadbeef", decoded.BrowserID)
	assert.Equal(t, "01/15/2024", decoded.Value)

	decoded, err = decodeBrowserCustomID("page:deadbeef:next")
	require.NoError(t, err)
	assert.Equal(t, browserComponentPage, decoded.Kind)
	assert.Equal(t, browserPageNext, decoded.Value)

	_, err = decodeBrowserCustomID("log_button_01/15/2024")
	require.Error(t, err)
}

func TestBrowserRegistryAddGetRemove(t *testing.T) {
	t.Parallel()
	registry := newBrowserRegistry(DefaultBrowserTimeout, nil)
	browser := newTestBrowser(t, 3)

	registry.Add(browser)
	require.Equal(t, 1, registry.Len())

	got, ok := registry.Get(browser.id)
	require.True(t, ok)
	assert.Same(t, browser, got)

	registry.Remove(browser.id)
	assert.Equal(t, 0, registry.Len())
	_, ok = registry.Get(browser.id)
	assert.False(t, ok)
}

func TestBrowserRegistryShutdownStopsTimers(t *testing.T) {
	t.Parallel()
	registry := newBrowserRegistry(DefaultBrowserTimeout, nil)
	for i := 0; i < 3; i++ {
		registry.Add(newTestBrowser(t, 2))
	}
	require.Equal(t, 3, registry.Len())

	registry.Shutdown()
	assert.Equal(t, 0, registry.Len())
}
