package voicelog

import (
	"log/slog"
	"sync"
	"time"
)

// voiceSession is one user's in-progress stay in a voice channel.
type voiceSession struct {
	ChannelID   string
	ChannelName string
	JoinedAt    time.Time
}

// sessionTracker maps user IDs to their current voice session. It's the
// transient half of the data model: created on join, overwritten on
// switch, removed on leave, and lost on restart (in-progress sessions
// have no durability requirement).
//
// discordgo dispatches gateway events on separate goroutines, so every
// access goes through the mutex.
type sessionTracker struct {
	mu       sync.Mutex
	sessions map[string]voiceSession
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{sessions: map[string]voiceSession{}}
}

// Begin records a new session for the user, replacing any existing entry.
func (t *sessionTracker) Begin(
	userID string,
	channelID string,
	channelName string,
	joinedAt time.Time,
) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[userID] = voiceSession{
		ChannelID:   channelID,
		ChannelName: channelName,
		JoinedAt:    joinedAt,
	}
}

// End removes and returns the user's tracked session. ok is false when
// no session was tracked (missed join, restart).
func (t *sessionTracker) End(userID string) (voiceSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[userID]
	if ok {
		delete(t.sessions, userID)
	}
	return session, ok
}

// Switch replaces the user's tracked session with the new channel and a
// fresh join time, returning the previous session if one was tracked.
// The overwrite happens whether or not the previous entry was found.
func (t *sessionTracker) Switch(
	userID string,
	channelID string,
	channelName string,
	switchedAt time.Time,
) (voiceSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	previous, ok := t.sessions[userID]
	t.sessions[userID] = voiceSession{
		ChannelID:   channelID,
		ChannelName: channelName,
		JoinedAt:    switchedAt,
	}
	return previous, ok
}

// Current returns the user's tracked session without mutating it.
func (t *sessionTracker) Current(userID string) (voiceSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	session, ok := t.sessions[userID]
	return session, ok
}

// Len returns the number of tracked sessions.
func (t *sessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

func (s voiceSession) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("channel_id", s.ChannelID),
		slog.String("channel_name", s.ChannelName),
		slog.Time("joined_at", s.JoinedAt),
	)
}
