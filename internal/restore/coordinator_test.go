package restore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errFakeNotFound = errors.New("not found")

type fakeHistory struct {
	mu        sync.Mutex
	records   map[string]*chat.HistoryRecord
	snapshots map[string]*chat.Snapshot
	getCalls  atomic.Int64
	setCalls  []string
	getErr    error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		records:   make(map[string]*chat.HistoryRecord),
		snapshots: make(map[string]*chat.Snapshot),
	}
}

func (h *fakeHistory) GetMessages(ctx context.Context, id string) (*chat.HistoryRecord, error) {
	h.getCalls.Add(1)
	return h.GetMessagesByID(ctx, id)
}

func (h *fakeHistory) GetMessagesByID(_ context.Context, id string) (*chat.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getErr != nil {
		return nil, h.getErr
	}
	rec, ok := h.records[id]
	if !ok {
		return nil, errFakeNotFound
	}
	return rec, nil
}

func (h *fakeHistory) GetMessagesByURLID(_ context.Context, urlID string) (*chat.HistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		if rec.URLID == urlID {
			return rec, nil
		}
	}
	return nil, errFakeNotFound
}

func (h *fakeHistory) SetMessages(_ context.Context, id string, messages []chat.Message, urlID, description string, _ map[string]string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setCalls = append(h.setCalls, id)
	h.records[id] = &chat.HistoryRecord{ID: id, URLID: urlID, Description: description, Messages: messages}
	return nil
}

func (h *fakeHistory) GetSnapshot(_ context.Context, chatID string) (*chat.Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshots[chatID], nil
}

type fakeRemote struct {
	mu       sync.Mutex
	projects map[string]*RemoteProject
	err      error
	calls    atomic.Int64
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{projects: make(map[string]*RemoteProject)}
}

func (r *fakeRemote) LoadProject(_ context.Context, ref string) (*RemoteProject, error) {
	r.calls.Add(1)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.projects[ref], nil
}

type fakeView struct {
	mu        sync.Mutex
	messages  []chat.Message
	desc      string
	notices   []string
	redirects int
	shows     int
}

func (v *fakeView) ShowMessages(messages []chat.Message, description string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.messages = messages
	v.desc = description
	v.shows++
}

func (v *fakeView) Notify(message string, _ error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.notices = append(v.notices, message)
}

func (v *fakeView) RedirectHome() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.redirects++
}

func (v *fakeView) snapshot() fakeView {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fakeView{messages: v.messages, desc: v.desc, notices: v.notices, redirects: v.redirects, shows: v.shows}
}

func newTestCoordinator(h HistoryStore, r RemoteStore, sb *fakeSandbox, v View) *Coordinator {
	var p *Populator
	if sb != nil {
		p = newTestPopulator(sb)
	}
	c := NewCoordinator(h, r, p, v, log.NewNop())
	c.autoStartDelay = 5 * time.Millisecond
	c.lockGrace = 20 * time.Millisecond
	return c
}

func TestActivate_RestoresFromLocalHistory(t *testing.T) {
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:          "42",
		Description: "todo app",
		Messages: []chat.Message{
			msg("m1", chat.RoleUser, "build a todo app"),
			msg("m2", chat.RoleAssistant, "done"),
		},
	}
	remote := newFakeRemote()
	view := &fakeView{}
	c := newTestCoordinator(hist, remote, nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", ""))

	got := view.snapshot()
	assert.Len(t, got.messages, 2)
	assert.Equal(t, "todo app", got.desc)
	assert.Equal(t, StateReady, c.State())
	assert.Zero(t, remote.calls.Load(), "remote must not be queried on a local hit")
}

func TestActivate_RewindTruncatesVisibleLog(t *testing.T) {
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID: "42",
		Messages: []chat.Message{
			msg("m1", chat.RoleUser, "one"),
			msg("m2", chat.RoleAssistant, "two"),
			msg("m3", chat.RoleUser, "three"),
		},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", "m2"))

	got := view.snapshot()
	require.Len(t, got.messages, 2)
	assert.Equal(t, "m2", got.messages[1].ID)
}

func TestActivate_FallsBackToRemote(t *testing.T) {
	hist := newFakeHistory()
	remote := newFakeRemote()
	remote.projects["abc"] = &RemoteProject{
		ID:          "abc",
		URLID:       "todo-app",
		Description: "remote project",
		Messages: []chat.Message{
			msg("m1", chat.RoleUser, "hello"),
		},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, remote, nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "abc", ""))

	got := view.snapshot()
	assert.Equal(t, "remote project", got.desc)
	assert.Len(t, got.messages, 1)

	// The remote project is cached locally for next time.
	rec, err := hist.GetMessagesByID(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "todo-app", rec.URLID)
}

func TestActivate_WriteBackSkippedWhenLocalRecordExists(t *testing.T) {
	hist := newFakeHistory()
	// Local record with the same url id but a different primary id, and
	// no messages, so the local path misses and the remote one runs.
	hist.records["7"] = &chat.HistoryRecord{ID: "7", URLID: "todo-app"}
	remote := newFakeRemote()
	remote.projects["abc"] = &RemoteProject{
		ID:       "abc",
		URLID:    "todo-app",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, remote, nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "abc", ""))
	assert.Empty(t, hist.setCalls, "write-back must be skipped when the url id is taken locally")
}

func TestActivate_WriteBackDropsTransientMessages(t *testing.T) {
	hist := newFakeHistory()
	remote := newFakeRemote()
	remote.projects["abc"] = &RemoteProject{
		ID: "abc",
		Messages: []chat.Message{
			msg("m1", chat.RoleUser, "hello"),
			msg("m2", chat.RoleAssistant, "replay").WithTags(chat.TagNoStore),
		},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, remote, nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "abc", ""))

	rec, err := hist.GetMessagesByID(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "m1", rec.Messages[0].ID)
}

func TestActivate_RemoteMissRedirectsHome(t *testing.T) {
	view := &fakeView{}
	c := newTestCoordinator(newFakeHistory(), newFakeRemote(), nil, view)
	defer c.Close()

	err := c.Activate(context.Background(), "gone", "")
	assert.ErrorIs(t, err, ErrProjectGone)

	got := view.snapshot()
	assert.Equal(t, 1, got.redirects)
	assert.Zero(t, got.shows)
	assert.Equal(t, StateReady, c.State(), "the coordinator must reach ready even on a miss")
}

func TestActivate_RemoteErrorNotifiesAndReleasesLock(t *testing.T) {
	remote := newFakeRemote()
	remote.err = errors.New("connection refused")
	view := &fakeView{}
	c := newTestCoordinator(newFakeHistory(), remote, nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "abc", ""))

	got := view.snapshot()
	assert.NotEmpty(t, got.notices)
	assert.Zero(t, got.redirects, "a transport error must not redirect")
	assert.Equal(t, StateReady, c.State())

	// The lock is released immediately on error; a retry runs at once.
	remote.mu.Lock()
	remote.err = nil
	remote.projects["abc"] = &RemoteProject{ID: "abc", Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")}}
	remote.mu.Unlock()
	require.NoError(t, c.Activate(context.Background(), "abc", ""))
	assert.Equal(t, 1, view.snapshot().shows)
}

func TestActivate_AtMostOneRestorePerSession(t *testing.T) {
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:       "42",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", ""))

	// Within the grace window the second activation is dropped.
	err := c.Activate(context.Background(), "42", "")
	assert.ErrorIs(t, err, ErrRestoreInProgress)
	assert.EqualValues(t, 1, hist.getCalls.Load(), "exactly one store query sequence")
}

func TestActivate_LockResetsOnSessionChange(t *testing.T) {
	hist := newFakeHistory()
	hist.records["a"] = &chat.HistoryRecord{ID: "a", Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")}}
	hist.records["b"] = &chat.HistoryRecord{ID: "b", Messages: []chat.Message{msg("m1", chat.RoleUser, "yo")}}
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "a", ""))
	require.NoError(t, c.Activate(context.Background(), "b", ""),
		"switching sessions must reset the restore lock")
}

func TestActivate_LockReleasedAfterGrace(t *testing.T) {
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:       "42",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")},
	}
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), nil, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", ""))

	require.Eventually(t, func() bool {
		return c.Activate(context.Background(), "42", "") == nil
	}, time.Second, 5*time.Millisecond, "lock should release after the grace window")
}

func TestActivate_SnapshotPopulatesSandboxAndAutoStarts(t *testing.T) {
	manifest := `{"scripts":{"dev":"vite"}}`
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:       "42",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi"), msg("m2", chat.RoleAssistant, "ok")},
	}
	hist.snapshots["42"] = &chat.Snapshot{
		ChatIndex: "m2",
		Files: chat.FileMap{
			"/project/package.json": {Type: chat.DirentFile, Content: manifest},
		},
	}
	sb := newFakeSandbox()
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), sb, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", ""))

	sb.mu.Lock()
	_, wrote := sb.files["package.json"]
	sb.mu.Unlock()
	assert.True(t, wrote, "snapshot files should be written into the sandbox")

	require.Eventually(t, func() bool {
		return len(sb.spawnedCommands()) == 2
	}, time.Second, 5*time.Millisecond, "setup and start should run after the auto-start delay")
	assert.Equal(t, []string{"npm install", "npm run dev"}, sb.spawnedCommands())
}

func TestActivate_AutoStartFiresAtMostOnce(t *testing.T) {
	manifest := `{"scripts":{"dev":"vite"}}`
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:       "42",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")},
	}
	hist.snapshots["42"] = &chat.Snapshot{
		Files: chat.FileMap{
			"/project/package.json": {Type: chat.DirentFile, Content: manifest},
		},
	}
	sb := newFakeSandbox()
	view := &fakeView{}
	c := newTestCoordinator(hist, newFakeRemote(), sb, view)
	defer c.Close()

	require.NoError(t, c.Activate(context.Background(), "42", ""))
	c.scheduleAutoStart(hist.snapshots["42"].Files)
	c.scheduleAutoStart(hist.snapshots["42"].Files)

	require.Eventually(t, func() bool {
		return len(sb.spawnedCommands()) >= 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sb.spawnedCommands(), 2, "re-arming must not launch a second run")
}

func TestCoordinator_CloseStopsPendingTimers(t *testing.T) {
	hist := newFakeHistory()
	hist.records["42"] = &chat.HistoryRecord{
		ID:       "42",
		Messages: []chat.Message{msg("m1", chat.RoleUser, "hi")},
	}
	c := newTestCoordinator(hist, newFakeRemote(), nil, &fakeView{})
	c.lockGrace = time.Hour

	require.NoError(t, c.Activate(context.Background(), "42", ""))
	c.Close()
}
