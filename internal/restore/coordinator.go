package restore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chisel-dev/chisel/internal/chat"
)

// Coordinator timing. The auto-start delay lets the UI settle before the
// project relaunches; the lock grace keeps a second restore from racing
// the still-asynchronous auto-start after the synchronous part finishes.
const (
	DefaultAutoStartDelay = 1500 * time.Millisecond
	DefaultLockGrace      = 5 * time.Second
)

var (
	// ErrRestoreInProgress is returned when an activation is dropped
	// because a restore for the current session is already running or
	// inside its grace window.
	ErrRestoreInProgress = errors.New("restore already in progress")

	// ErrProjectGone is returned when the session exists in neither the
	// local history store nor the remote project store.
	ErrProjectGone = errors.New("project exists in neither store")
)

// State is the coordinator's restore state.
type State int

const (
	StateIdle State = iota
	StateRestoring
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRestoring:
		return "restoring"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// autoStartState is the orthogonal per-activation auto-start lock.
type autoStartState int

const (
	autoStartPending autoStartState = iota
	autoStartInFlight
	autoStartDone
)

// HistoryStore is the slice of the local history store the coordinator
// consumes.
type HistoryStore interface {
	GetMessages(ctx context.Context, id string) (*chat.HistoryRecord, error)
	GetMessagesByID(ctx context.Context, id string) (*chat.HistoryRecord, error)
	GetMessagesByURLID(ctx context.Context, urlID string) (*chat.HistoryRecord, error)
	SetMessages(ctx context.Context, id string, messages []chat.Message, urlID, description string, metadata map[string]string) error
	GetSnapshot(ctx context.Context, chatID string) (*chat.Snapshot, error)
}

// RemoteProject is a full project load from the remote store.
type RemoteProject struct {
	ID          string
	URLID       string
	Description string
	Messages    []chat.Message
	Files       chat.FileMap
	Workbench   *chat.WorkbenchState
}

// RemoteStore is the remote project store client slice the coordinator
// consumes on a local miss. LoadProject returns (nil, nil) when the
// project does not exist remotely.
type RemoteStore interface {
	LoadProject(ctx context.Context, ref string) (*RemoteProject, error)
}

// View is where the coordinator lands restore results: the active
// conversation surface. All methods must be non-blocking.
type View interface {
	// ShowMessages replaces the visible conversation.
	ShowMessages(messages []chat.Message, description string)

	// Notify surfaces a non-blocking notification for a failed restore
	// or sync. Must never panic.
	Notify(message string, err error)

	// RedirectHome abandons the activation when the session exists in
	// neither store.
	RedirectHome()
}

// Coordinator orchestrates session restore: local history first, remote
// project store on miss, snapshot reconciliation, sandbox population, and
// delayed auto-start. At most one restore runs per session activation;
// the dedup lock is keyed by coordinator instance and resets whenever the
// session identifier changes.
//
// Coordinator is safe for concurrent use by multiple goroutines.
type Coordinator struct {
	history   HistoryStore
	remote    RemoteStore
	populator *Populator
	view      View
	logger    *slog.Logger

	autoStartDelay time.Duration
	lockGrace      time.Duration

	mu         sync.Mutex
	sessionID  string
	state      State
	locked     bool
	autoStart  autoStartState
	timers     []*time.Timer
	background sync.WaitGroup
}

// NewCoordinator creates a restore coordinator. populator may be nil when
// no sandbox is attached; snapshots then restore messages only.
func NewCoordinator(history HistoryStore, remote RemoteStore, populator *Populator, view View, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		history:        history,
		remote:         remote,
		populator:      populator,
		view:           view,
		logger:         logger,
		autoStartDelay: DefaultAutoStartDelay,
		lockGrace:      DefaultLockGrace,
		state:          StateIdle,
	}
}

// State returns the coordinator's current restore state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close stops pending timers and waits for background work. The
// coordinator must not be activated again afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for _, t := range c.timers {
		if t.Stop() {
			// The callback will never run; release its wait slot.
			c.background.Done()
		}
	}
	c.timers = nil
	c.mu.Unlock()
	c.background.Wait()
}

// Activate runs the restore sequence for a session. rewindTarget, when
// non-empty, truncates the log just after that message. Returns
// ErrRestoreInProgress if a restore for this session is already running
// or within its grace window (such activations are dropped by contract)
// and ErrProjectGone when the session exists in neither store.
//
// Activate always leaves the coordinator in StateReady, including on
// error, so the caller's UI is never stuck loading.
func (c *Coordinator) Activate(ctx context.Context, sessionID, rewindTarget string) error {
	if err := c.acquire(sessionID); err != nil {
		return err
	}

	rec, snap, err := c.loadLocal(ctx, sessionID)
	if err != nil {
		// Local store failure falls through to the remote path; the
		// local tier is an optimization, not a dependency.
		c.logger.Warn("local history lookup failed", "session", sessionID, "error", err)
	}

	if rec != nil && len(rec.Messages) > 0 {
		c.restoreFromLocal(ctx, rec, snap, rewindTarget)
		c.finish(true)
		return nil
	}

	err = c.restoreFromRemote(ctx, sessionID)
	switch {
	case errors.Is(err, ErrProjectGone):
		c.view.RedirectHome()
		c.finish(false)
		return ErrProjectGone
	case err != nil:
		c.view.Notify("failed to restore session", err)
		c.finish(false)
		return nil
	default:
		c.finish(true)
		return nil
	}
}

// acquire takes the restore lock, resetting it first when the session
// identifier changed since the last activation.
func (c *Coordinator) acquire(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID != c.sessionID {
		c.sessionID = sessionID
		c.locked = false
	}
	if c.locked {
		return ErrRestoreInProgress
	}
	c.locked = true
	c.state = StateRestoring
	c.autoStart = autoStartPending
	return nil
}

// finish transitions to Ready. On success the lock outlives completion by
// the grace window so a new activation cannot race the pending
// auto-start; on failure it is released immediately.
func (c *Coordinator) finish(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateReady
	if !success {
		c.locked = false
		return
	}

	c.afterLocked(c.lockGrace, func() {
		c.mu.Lock()
		c.locked = false
		c.mu.Unlock()
	})
}

// loadLocal queries transcript and snapshot concurrently.
func (c *Coordinator) loadLocal(ctx context.Context, sessionID string) (*chat.HistoryRecord, *chat.Snapshot, error) {
	var (
		wg      sync.WaitGroup
		rec     *chat.HistoryRecord
		snap    *chat.Snapshot
		recErr  error
		snapErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		rec, recErr = c.history.GetMessages(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		snap, snapErr = c.history.GetSnapshot(ctx, sessionID)
	}()
	wg.Wait()

	if recErr != nil {
		return nil, nil, recErr
	}
	if snapErr != nil {
		// A broken snapshot degrades to a plain history restore.
		c.logger.Warn("snapshot lookup failed", "session", sessionID, "error", snapErr)
		snap = nil
	}
	return rec, snap, nil
}

// restoreFromLocal reconciles and presents a locally stored session, then
// populates the sandbox and schedules auto-start when the snapshot
// carries files.
func (c *Coordinator) restoreFromLocal(ctx context.Context, rec *chat.HistoryRecord, snap *chat.Snapshot, rewindTarget string) {
	result := Reconcile(rec.Messages, snap, rewindTarget)
	c.view.ShowMessages(result.Visible, rec.Description)

	if snap == nil || len(snap.Files) == 0 || c.populator == nil {
		return
	}

	if err := c.populator.Populate(ctx, snap.Files); err != nil {
		c.view.Notify("failed to restore project files", err)
		return
	}
	c.scheduleAutoStart(snap.Files)
}

// restoreFromRemote adopts a remotely stored project as the current
// session and opportunistically writes it back into the local store.
func (c *Coordinator) restoreFromRemote(ctx context.Context, sessionID string) error {
	proj, err := c.remote.LoadProject(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("remote load failed: %w", err)
	}
	if proj == nil {
		return ErrProjectGone
	}

	c.view.ShowMessages(proj.Messages, proj.Description)
	c.writeBack(ctx, proj)

	if len(proj.Files) > 0 && c.populator != nil {
		if err := c.populator.Populate(ctx, proj.Files); err != nil {
			c.view.Notify("failed to restore project files", err)
			return nil
		}
		c.scheduleAutoStart(proj.Files)
	}
	return nil
}

// writeBack caches a remote project in the local store unless a record
// with the same identifier or url identifier already exists there: a
// local copy may be more complete than the remote one, and a duplicate
// key would fail anyway. Failures are swallowed — the in-memory session
// works without the cache.
func (c *Coordinator) writeBack(ctx context.Context, proj *RemoteProject) {
	if _, err := c.history.GetMessagesByID(ctx, proj.ID); err == nil {
		return
	}
	if proj.URLID != "" {
		if _, err := c.history.GetMessagesByURLID(ctx, proj.URLID); err == nil {
			return
		}
	}

	durable := chat.Durable(proj.Messages)
	if err := c.history.SetMessages(ctx, proj.ID, durable, proj.URLID, proj.Description, nil); err != nil {
		c.logger.Warn("failed to cache remote project locally", "project", proj.ID, "error", err)
	}
}

// scheduleAutoStart arms the delayed project launch, guarded so it fires
// at most once per activation.
func (c *Coordinator) scheduleAutoStart(files chat.FileMap) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.autoStart != autoStartPending {
		return
	}
	c.autoStart = autoStartInFlight

	c.afterLocked(c.autoStartDelay, func() {
		// Auto-start belongs to the activation, not the Activate call;
		// it runs under its own context.
		if err := c.populator.AutoStart(context.Background(), files); err != nil {
			c.view.Notify("failed to start project", err)
		}
		c.mu.Lock()
		c.autoStart = autoStartDone
		c.mu.Unlock()
	})
}

// afterLocked schedules fn on a tracked timer. Caller must hold c.mu.
func (c *Coordinator) afterLocked(d time.Duration, fn func()) {
	c.background.Add(1)
	t := time.AfterFunc(d, func() {
		defer c.background.Done()
		fn()
	})
	c.timers = append(c.timers, t)
}
