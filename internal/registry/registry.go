// Package registry holds the in-memory realtime state for all broadcast
// sessions: who owns the broadcaster slot, which connections are attached,
// per-channel listener counts and a bounded history of count snapshots.
// Everything lives behind one mutex; callers never hold the lock across IO.
package registry

import (
	"sync"
	"time"

	"github.com/liveaudio/backend/pkg/utils"
)

// MaxSnapshots bounds the per-session snapshot history. At one snapshot per
// listener event plus one per sampler tick this covers roughly the last half
// hour of a busy session.
const MaxSnapshots = 180

// Live modes: the audio source a session currently plays.
const (
	ModeNone     = "none"
	ModeMic      = "mic"
	ModePreshow  = "preshow"
	ModeTestTone = "testtone"
)

// NormalizeLiveMode maps anything outside the known modes to ModeNone.
func NormalizeLiveMode(mode string) string {
	switch mode {
	case ModeMic, ModePreshow, ModeTestTone:
		return mode
	}
	return ModeNone
}

// Identity names a broadcaster. UserID may be empty for identities that
// predate user accounts; Name is always set.
type Identity struct {
	UserID string `json:"userId,omitempty"`
	Name   string `json:"name"`
}

// same reports whether two identities are the same broadcaster: user IDs
// match when both are present, otherwise normalized names match.
func (a Identity) same(b Identity) bool {
	if a.UserID != "" && b.UserID != "" {
		return a.UserID == b.UserID
	}
	return utils.NormalizeName(a.Name) == utils.NormalizeName(b.Name)
}

// Owner is the current holder of a session's single broadcaster slot.
type Owner struct {
	Identity
	StartedAt time.Time `json:"startedAt"`
}

// ListenerState tracks where a listener connection currently is.
type ListenerState struct {
	SessionID string
	ChannelID string
	JoinedAt  time.Time
}

// Snapshot is a point-in-time view of a session's listener distribution.
type Snapshot struct {
	TS       time.Time      `json:"ts"`
	Total    int            `json:"total"`
	Channels map[string]int `json:"channels"`
}

// DisconnectResult reports what a broadcaster connection removal changed.
type DisconnectResult struct {
	Remaining    int  // broadcaster connections still attached
	OwnerCleared bool // slot released because the last connection left
}

type Registry struct {
	mu sync.Mutex

	owners           map[string]*Owner
	liveMode         map[string]string
	broadcasterConns map[string]map[string]struct{}
	listeners        map[string]*ListenerState
	counts           map[string]map[string]int
	snapshots        map[string][]Snapshot
}

func New() *Registry {
	return &Registry{
		owners:           make(map[string]*Owner),
		liveMode:         make(map[string]string),
		broadcasterConns: make(map[string]map[string]struct{}),
		listeners:        make(map[string]*ListenerState),
		counts:           make(map[string]map[string]int),
		snapshots:        make(map[string][]Snapshot),
	}
}

// Owner returns the current slot holder, if any.
func (r *Registry) Owner(sessionID string) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.owners[sessionID]
	if !ok {
		return Owner{}, false
	}
	return *o, true
}

// TrySetOwner atomically claims the broadcaster slot for id, or re-attaches
// a connection for the identity already holding it. When the slot is held by
// someone else it returns granted=false and the current owner so the caller
// can surface a takeover prompt. first is true when this is the session's
// first broadcaster connection, which starts a fresh measurement window.
func (r *Registry) TrySetOwner(sessionID string, id Identity, connID string) (granted bool, first bool, current Owner) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, held := r.owners[sessionID]
	if held && !o.Identity.same(id) {
		return false, false, *o
	}

	conns := r.broadcasterConns[sessionID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.broadcasterConns[sessionID] = conns
	}
	first = len(conns) == 0
	conns[connID] = struct{}{}

	if !held {
		o = &Owner{Identity: id, StartedAt: time.Now().UTC()}
		r.owners[sessionID] = o
	}
	return true, first, *o
}

// ForceTakeover releases the slot regardless of holder and returns the
// connection ids that must be disconnected. The connections themselves are
// removed through RemoveBroadcasterConn as their closes land.
func (r *Registry) ForceTakeover(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.owners, sessionID)
	conns := r.broadcasterConns[sessionID]
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// RemoveBroadcasterConn detaches a broadcaster connection. When the last one
// leaves, the slot is released and live mode drops.
func (r *Registry) RemoveBroadcasterConn(sessionID, connID string) DisconnectResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.broadcasterConns[sessionID]
	if conns == nil {
		return DisconnectResult{}
	}
	delete(conns, connID)
	res := DisconnectResult{Remaining: len(conns)}
	if len(conns) == 0 {
		delete(r.broadcasterConns, sessionID)
		if _, held := r.owners[sessionID]; held {
			delete(r.owners, sessionID)
			res.OwnerCleared = true
		}
		delete(r.liveMode, sessionID)
	}
	return res
}

// BroadcasterConnCount returns how many broadcaster connections a session has.
func (r *Registry) BroadcasterConnCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.broadcasterConns[sessionID])
}

// SetLiveMode stores the session's audio source mode. ModeNone clears the
// entry.
func (r *Registry) SetLiveMode(sessionID, mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode == ModeNone {
		delete(r.liveMode, sessionID)
	} else {
		r.liveMode[sessionID] = mode
	}
}

// LiveMode returns the session's audio source mode, ModeNone when unset.
func (r *Registry) LiveMode(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mode, ok := r.liveMode[sessionID]; ok {
		return mode
	}
	return ModeNone
}

// AddListenerConn registers a listener connection that has not yet joined a
// channel.
func (r *Registry) AddListenerConn(connID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[connID] = &ListenerState{SessionID: sessionID}
}

// SetListenerChannel moves a listener connection onto a channel and returns
// the previous state, so the caller can record a leave fact for the channel
// being left. Counts are adjusted for both sides.
func (r *Registry) SetListenerChannel(connID, channelID string) (prev ListenerState, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.listeners[connID]
	if st == nil {
		return ListenerState{}, false
	}
	prev = *st
	if st.ChannelID == channelID {
		return prev, true
	}
	if st.ChannelID != "" {
		r.changeCountLocked(st.SessionID, st.ChannelID, -1)
	}
	if channelID != "" {
		r.changeCountLocked(st.SessionID, channelID, +1)
	}
	st.ChannelID = channelID
	st.JoinedAt = time.Now().UTC()
	return prev, true
}

// ListenerState returns a copy of the connection's state.
func (r *Registry) ListenerState(connID string) (ListenerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.listeners[connID]
	if st == nil {
		return ListenerState{}, false
	}
	return *st, true
}

// RemoveListenerConn drops a listener connection, decrementing the channel
// it occupied, and returns its last state for the leave fact.
func (r *Registry) RemoveListenerConn(connID string) (ListenerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.listeners[connID]
	if st == nil {
		return ListenerState{}, false
	}
	delete(r.listeners, connID)
	if st.ChannelID != "" {
		r.changeCountLocked(st.SessionID, st.ChannelID, -1)
	}
	return *st, true
}

// ChangeLiveCount adjusts a channel's listener count directly, for
// reconciliation paths such as channel deletion. Counts clamp at zero and
// empty entries are removed.
func (r *Registry) ChangeLiveCount(sessionID, channelID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeCountLocked(sessionID, channelID, delta)
}

func (r *Registry) changeCountLocked(sessionID, channelID string, delta int) {
	chans := r.counts[sessionID]
	if chans == nil {
		if delta <= 0 {
			return
		}
		chans = make(map[string]int)
		r.counts[sessionID] = chans
	}
	n := chans[channelID] + delta
	if n <= 0 {
		delete(chans, channelID)
		if len(chans) == 0 {
			delete(r.counts, sessionID)
		}
		return
	}
	chans[channelID] = n
}

// DropChannel removes a channel's count entirely (the channel was deleted).
func (r *Registry) DropChannel(sessionID, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chans := r.counts[sessionID]
	if chans == nil {
		return
	}
	delete(chans, channelID)
	if len(chans) == 0 {
		delete(r.counts, sessionID)
	}
}

// ChannelCounts returns a copy of the session's per-channel listener counts.
func (r *Registry) ChannelCounts(sessionID string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.counts[sessionID]))
	for ch, n := range r.counts[sessionID] {
		out[ch] = n
	}
	return out
}

// Total returns the session's total listener count.
func (r *Registry) Total(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked(sessionID)
}

func (r *Registry) totalLocked(sessionID string) int {
	total := 0
	for _, n := range r.counts[sessionID] {
		total += n
	}
	return total
}

// RecordSnapshot appends the current distribution to the session's history,
// evicting the oldest entry past MaxSnapshots, and returns the snapshot.
func (r *Registry) RecordSnapshot(sessionID string) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make(map[string]int, len(r.counts[sessionID]))
	for ch, n := range r.counts[sessionID] {
		channels[ch] = n
	}
	snap := Snapshot{TS: time.Now().UTC(), Total: r.totalLocked(sessionID), Channels: channels}

	hist := append(r.snapshots[sessionID], snap)
	if len(hist) > MaxSnapshots {
		hist = hist[len(hist)-MaxSnapshots:]
	}
	r.snapshots[sessionID] = hist
	return snap
}

// Snapshots returns a copy of the session's snapshot history, oldest first.
func (r *Registry) Snapshots(sessionID string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snapshots[sessionID]...)
}

// ResetHistory clears the snapshot history, starting a fresh measurement
// window. Current counts are untouched.
func (r *Registry) ResetHistory(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.snapshots, sessionID)
}

// ActiveSessionIDs returns every session with any realtime activity:
// listeners, broadcaster connections or nonzero counts.
func (r *Registry) ActiveSessionIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	for id := range r.counts {
		seen[id] = struct{}{}
	}
	for id := range r.broadcasterConns {
		seen[id] = struct{}{}
	}
	for _, st := range r.listeners {
		seen[st.SessionID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}
