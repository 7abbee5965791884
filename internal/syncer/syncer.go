// Package syncer pushes session state to the remote project store on a
// fixed cadence. One Agent serves one open session; a Registry hands out
// agents keyed by project so repeated opens of the same project reuse the
// running agent.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chisel-dev/chisel/internal/chat"
)

const (
	// DefaultInterval is the periodic sync cadence.
	DefaultInterval = 30 * time.Second

	// beaconTimeout bounds the fire-and-forget SyncNow path so it can
	// never hold up a page unload or shutdown.
	beaconTimeout = 5 * time.Second
)

// ErrAlreadyStarted is returned when Start is called on a running agent.
var ErrAlreadyStarted = errors.New("sync agent already started")

// Payload is one full session state to push upstream.
type Payload struct {
	Messages    []chat.Message       `json:"messages"`
	Description string               `json:"description,omitempty"`
	Files       chat.FileMap         `json:"files,omitempty"`
	Workbench   *chat.WorkbenchState `json:"workbench,omitempty"`
}

// Getter produces the current session payload. It is called on every
// sync tick and must be safe to call from the agent's goroutine.
type Getter func() (Payload, error)

// Store is the upstream half of a sync: the remote project store slice
// the agent writes to.
type Store interface {
	SaveMessages(ctx context.Context, projectID string, messages []chat.Message, description string) error
	SaveFiles(ctx context.Context, projectID string, files chat.FileMap) error
	SaveWorkbench(ctx context.Context, projectID string, workbench *chat.WorkbenchState) error
}

// Agent periodically pushes one session's state to the remote store. An
// unchanged payload is suppressed: the agent serializes the state and
// compares it byte for byte against the last successful push.
//
// Agent is safe for concurrent use by multiple goroutines.
type Agent struct {
	store    Store
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	projectID  string
	getter     Getter
	lastSynced []byte
	running    bool
	stop       chan struct{}
	loopDone   chan struct{}
	beacons    sync.WaitGroup
}

// NewAgent creates a stopped sync agent writing to store.
func NewAgent(store Store, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{store: store, logger: logger, interval: DefaultInterval}
}

// Start binds the agent to a project, runs one immediate sync, then keeps
// syncing on the interval until Stop. The immediate sync's error is
// returned; later tick errors are logged and retried on the next tick.
func (a *Agent) Start(ctx context.Context, projectID string, getter Getter) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.running = true
	a.projectID = projectID
	a.getter = getter
	a.lastSynced = nil
	a.stop = make(chan struct{})
	a.loopDone = make(chan struct{})
	a.mu.Unlock()

	err := a.sync(ctx, false)

	go a.loop(a.stop, a.loopDone)
	return err
}

func (a *Agent) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := a.sync(context.Background(), false); err != nil {
				a.logger.Warn("periodic sync failed", "project", a.projectID, "error", err)
			}
		}
	}
}

// ForceSave pushes the current state immediately, bypassing the
// unchanged-payload suppression. Used on shutdown and before restores.
func (a *Agent) ForceSave(ctx context.Context) error {
	return a.sync(ctx, true)
}

// SyncNow fires a best-effort background sync and returns immediately.
// Errors are swallowed; the periodic loop will catch up.
func (a *Agent) SyncNow() {
	a.beacons.Add(1)
	go func() {
		defer a.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		if err := a.sync(ctx, false); err != nil {
			a.logger.Debug("beacon sync failed", "project", a.projectID, "error", err)
		}
	}()
}

// Stop halts the periodic loop and waits for in-flight work. Safe to
// call multiple times and on a never-started agent.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stop)
	done := a.loopDone
	a.mu.Unlock()

	<-done
	a.beacons.Wait()
}

// sync serializes the session and pushes it upstream unless it is
// byte-identical to the last successful push. The compare-and-record is
// a single critical section, so concurrent callers cannot double-push
// the same payload.
func (a *Agent) sync(ctx context.Context, force bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.getter == nil {
		return nil
	}

	payload, err := a.getter()
	if err != nil {
		return fmt.Errorf("get session state: %w", err)
	}
	// Transient messages never reach the durable store.
	payload.Messages = chat.Durable(payload.Messages)

	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize session state: %w", err)
	}
	if !force && bytes.Equal(blob, a.lastSynced) {
		return nil
	}

	if err := a.store.SaveMessages(ctx, a.projectID, payload.Messages, payload.Description); err != nil {
		return fmt.Errorf("sync messages: %w", err)
	}
	if len(payload.Files) > 0 {
		if err := a.store.SaveFiles(ctx, a.projectID, payload.Files); err != nil {
			return fmt.Errorf("sync files: %w", err)
		}
	}
	if payload.Workbench != nil {
		if err := a.store.SaveWorkbench(ctx, a.projectID, payload.Workbench); err != nil {
			return fmt.Errorf("sync workbench: %w", err)
		}
	}

	a.lastSynced = blob
	return nil
}

// Registry hands out sync agents keyed by project id so a project opened
// twice shares one running agent.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*Agent
}

// NewRegistry creates an empty agent registry backed by store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger, agents: make(map[string]*Agent)}
}

// Start returns the running agent for projectID, starting a new one if
// none exists yet. A cached agent is returned as-is; its getter keeps
// feeding it.
func (r *Registry) Start(ctx context.Context, projectID string, getter Getter) (*Agent, error) {
	r.mu.Lock()
	if agent, ok := r.agents[projectID]; ok {
		r.mu.Unlock()
		return agent, nil
	}
	agent := NewAgent(r.store, r.logger)
	r.agents[projectID] = agent
	r.mu.Unlock()

	if err := agent.Start(ctx, projectID, getter); err != nil && !errors.Is(err, ErrAlreadyStarted) {
		// First push failed but the loop is running; report it, keep
		// the agent cached.
		return agent, err
	}
	return agent, nil
}

// Get returns the agent for projectID, or nil when none is running.
func (r *Registry) Get(projectID string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[projectID]
}

// Shutdown force-saves every agent, then stops them all. Called on
// graceful server shutdown so no session loses its last interval of
// work.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	agents := make(map[string]*Agent, len(r.agents))
	for id, a := range r.agents {
		agents[id] = a
	}
	r.agents = make(map[string]*Agent)
	r.mu.Unlock()

	for id, a := range agents {
		if err := a.ForceSave(ctx); err != nil {
			r.logger.Warn("final sync failed during shutdown", "project", id, "error", err)
		}
		a.Stop()
	}
}
