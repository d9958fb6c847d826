// Package workers owns the live worker map: PTY processes, output
// logging, activity detection, and per-subscriber output fan-out.
package workers

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agentconsole/agentconsole/internal/activity"
	"github.com/agentconsole/agentconsole/internal/errdefs"
	"github.com/agentconsole/agentconsole/internal/events"
	"github.com/agentconsole/agentconsole/internal/gitutil"
	"github.com/agentconsole/agentconsole/internal/id"
	"github.com/agentconsole/agentconsole/internal/jobqueue"
	"github.com/agentconsole/agentconsole/internal/metrics"
	"github.com/agentconsole/agentconsole/internal/outputlog"
	"github.com/agentconsole/agentconsole/internal/ptyproc"
	"github.com/agentconsole/agentconsole/internal/store"
	"github.com/agentconsole/agentconsole/internal/validate"
)

// Listener receives live output bytes in PTY order.
type Listener func(data []byte)

// liveWorker composes the runtime pieces of one worker. proc is nil for
// git-diff workers and for PTY workers that have exited.
type liveWorker struct {
	meta *store.Worker

	mu        sync.Mutex
	proc      *ptyproc.Proc
	detector  *activity.Detector
	listeners map[string]Listener
	exited    bool
}

type workerKey struct {
	sessionID string
	workerID  string
}

// CreateRequest describes a worker to spawn.
type CreateRequest struct {
	Type    store.WorkerType
	Name    string
	AgentID string // required for agent workers
	Cols    uint16
	Rows    uint16
	// Continue selects the agent's continue template when available
	// (session resume and restart paths).
	Continue bool
}

// Options tunes Registry timing.
type Options struct {
	IdleTimeout  time.Duration
	ActiveWindow time.Duration
	KillGrace    time.Duration
}

// Registry owns the (session, worker) -> liveWorker map.
type Registry struct {
	store  *store.Store
	logs   *outputlog.Manager
	queue  *jobqueue.Queue
	hub    *events.Hub
	opts   Options
	mu     sync.Mutex
	live   map[workerKey]*liveWorker
	states map[workerKey]activity.State
}

// NewRegistry creates an empty Registry.
func NewRegistry(st *store.Store, logs *outputlog.Manager, queue *jobqueue.Queue, hub *events.Hub, opts Options) *Registry {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = activity.DefaultIdleTimeout
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = activity.DefaultActiveWindow
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 3 * time.Second
	}
	return &Registry{
		store:  st,
		logs:   logs,
		queue:  queue,
		hub:    hub,
		opts:   opts,
		live:   make(map[workerKey]*liveWorker),
		states: make(map[workerKey]activity.State),
	}
}

// CreateWorker spawns (or, for git-diff, records) a worker for the
// session and persists its row. The session row must already exist.
func (r *Registry) CreateWorker(ctx context.Context, sess *store.Session, req CreateRequest, repoEnv map[string]string) (*store.Worker, error) {
	name, err := validate.SanitizeName(req.Name)
	if err != nil {
		return nil, errdefs.Validation("invalid worker name: %v", err)
	}

	w := &store.Worker{
		ID:        id.New(),
		SessionID: sess.ID,
		Type:      req.Type,
		Name:      name,
	}

	switch req.Type {
	case store.WorkerAgent:
		if req.AgentID == "" {
			return nil, errdefs.Validation("agent workers require an agent id")
		}
		agent, err := r.store.GetAgent(ctx, req.AgentID)
		if err != nil {
			return nil, err
		}
		w.AgentID = &agent.ID
		if err := r.spawnAgent(sess, w, agent, req, repoEnv); err != nil {
			return nil, err
		}
	case store.WorkerTerminal:
		if err := r.spawnTerminal(sess, w, req, repoEnv); err != nil {
			return nil, err
		}
	case store.WorkerGitDiff:
		if err := r.createGitDiff(ctx, sess, w); err != nil {
			return nil, err
		}
	default:
		return nil, errdefs.Validation("unknown worker type %q", req.Type)
	}

	if err := r.store.CreateWorker(ctx, w); err != nil {
		// Spawn succeeded but persistence failed: kill the orphan so
		// the DB stays the source of truth, then surface the original
		// error.
		r.killLive(sess.ID, w.ID)
		return nil, err
	}

	metrics.ActiveWorkers.Inc()
	r.hub.Publish(events.WorkerCreated, map[string]any{
		"sessionId": sess.ID,
		"worker":    w,
	})
	return w, nil
}

// spawnAgent builds the agent command from its template and starts the
// PTY, wiring output and exit handling.
func (r *Registry) spawnAgent(sess *store.Session, w *store.Worker, agent *store.AgentDefinition, req CreateRequest, repoEnv map[string]string) error {
	prompt := ""
	if sess.InitialPrompt != nil {
		prompt = *sess.InitialPrompt
	}
	command := BuildAgentCommand(resolveTemplate(agent, req.Continue), prompt, sess.LocationPath)

	detector := activity.NewDetector(sess.ID, w.ID,
		validate.CompilePatterns(agent.AskingPatterns),
		r.opts.IdleTimeout, r.opts.ActiveWindow, r.onActivityChange)

	return r.startPTY(sess, w, command, req, repoEnv, detector)
}

// spawnTerminal starts the user's interactive shell.
func (r *Registry) spawnTerminal(sess *store.Session, w *store.Worker, req CreateRequest, repoEnv map[string]string) error {
	return r.startPTY(sess, w, "exec $SHELL -l", req, repoEnv, nil)
}

// createGitDiff records a virtual diff worker. Its base commit is the
// merge base of HEAD and the repository default branch, falling back to
// HEAD when there is no usable history.
func (r *Registry) createGitDiff(ctx context.Context, sess *store.Session, w *store.Worker) error {
	base := ""
	if gitutil.IsRepository(ctx, sess.LocationPath) {
		if def, err := gitutil.DefaultBranch(ctx, sess.LocationPath); err == nil && def != "" {
			if mb, err := gitutil.MergeBase(ctx, sess.LocationPath, def, "HEAD"); err == nil {
				base = mb
			}
		}
		if base == "" {
			if head, err := gitutil.HeadCommit(ctx, sess.LocationPath); err == nil {
				base = head
			}
		}
	}
	if base != "" {
		w.BaseCommit = &base
	}

	lw := &liveWorker{meta: w, listeners: make(map[string]Listener)}
	r.mu.Lock()
	r.live[workerKey{sess.ID, w.ID}] = lw
	r.mu.Unlock()
	return nil
}

// startPTY spawns the process and registers the live worker. The PTY
// pump is the single writer into the output log, the detector, and the
// listeners, which is what keeps per-worker byte order intact.
func (r *Registry) startPTY(sess *store.Session, w *store.Worker, command string, req CreateRequest, repoEnv map[string]string, detector *activity.Detector) error {
	lw := &liveWorker{
		meta:      w,
		detector:  detector,
		listeners: make(map[string]Listener),
	}
	key := workerKey{sess.ID, w.ID}

	// Append and listener delivery happen under the worker lock so an
	// AttachListener call cannot land between them: the offset a new
	// listener records always sits exactly at the append/live boundary.
	onData := func(data []byte) {
		lw.mu.Lock()
		r.logs.Append(sess.ID, w.ID, data)
		if detector != nil {
			detector.Feed(data)
		}
		for _, l := range lw.listeners {
			l(data)
		}
		lw.mu.Unlock()
	}
	onExit := func(code int, signal string) {
		r.handleExit(key, code, signal)
	}

	proc, err := ptyproc.Start(ptyproc.Options{
		Command:    command,
		WorkingDir: sess.LocationPath,
		Cols:       req.Cols,
		Rows:       req.Rows,
		RepoEnv:    repoEnv,
	}, onData, onExit)
	if err != nil {
		if detector != nil {
			detector.Close()
		}
		return errdefs.Internal("start worker process", err)
	}

	lw.proc = proc
	pid := proc.Pid()
	w.PID = &pid

	r.mu.Lock()
	r.live[key] = lw
	r.mu.Unlock()
	return nil
}

// handleExit flushes the log, marks the worker dead, and broadcasts.
func (r *Registry) handleExit(key workerKey, code int, signal string) {
	r.mu.Lock()
	lw := r.live[key]
	r.mu.Unlock()
	if lw == nil {
		return
	}

	lw.mu.Lock()
	alreadyExited := lw.exited
	lw.exited = true
	lw.proc = nil
	if lw.detector != nil {
		lw.detector.Close()
	}
	lw.mu.Unlock()
	if alreadyExited {
		return
	}

	r.logs.Flush(key.sessionID, key.workerID)
	if err := r.store.UpdateWorkerPID(context.Background(), key.workerID, nil); err != nil {
		slog.Warn("clear worker pid failed", "worker_id", key.workerID, "error", err)
	}

	slog.Info("worker exited", "session_id", key.sessionID,
		"worker_id", key.workerID, "exit_code", code, "signal", signal)
	r.hub.Publish(events.WorkerExited, map[string]any{
		"sessionId": key.sessionID,
		"workerId":  key.workerID,
		"exitCode":  code,
		"signal":    signal,
	})
}

// WriteInput forwards input bytes to the worker's PTY. Writes are
// serialized by the PTY adapter's own lock.
func (r *Registry) WriteInput(sessionID, workerID string, data []byte) error {
	proc, err := r.liveProc(sessionID, workerID)
	if err != nil {
		return err
	}
	return proc.Write(data)
}

// Resize forwards a terminal resize.
func (r *Registry) Resize(sessionID, workerID string, cols, rows uint16) error {
	proc, err := r.liveProc(sessionID, workerID)
	if err != nil {
		return err
	}
	return proc.Resize(cols, rows)
}

func (r *Registry) liveProc(sessionID, workerID string) (*ptyproc.Proc, error) {
	r.mu.Lock()
	lw := r.live[workerKey{sessionID, workerID}]
	r.mu.Unlock()
	if lw == nil {
		return nil, errdefs.NotFound("live worker", workerID)
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.proc == nil {
		return nil, errdefs.Conflict("worker %s is not running", workerID)
	}
	return lw.proc, nil
}

// RestartAgent atomically replaces the agent process: kill, reset the
// output log, respawn under the same worker id.
func (r *Registry) RestartAgent(ctx context.Context, sess *store.Session, workerID string, continueConversation bool, repoEnv map[string]string) error {
	w, err := r.store.GetWorker(ctx, sess.ID, workerID)
	if err != nil {
		return err
	}
	if w.Type != store.WorkerAgent || w.AgentID == nil {
		return errdefs.Validation("worker %s is not an agent", workerID)
	}
	agent, err := r.store.GetAgent(ctx, *w.AgentID)
	if err != nil {
		return err
	}

	r.killLive(sess.ID, workerID)
	r.logs.Reset(sess.ID, workerID)

	prompt := ""
	if sess.InitialPrompt != nil {
		prompt = *sess.InitialPrompt
	}
	command := BuildAgentCommand(resolveTemplate(agent, continueConversation), prompt, sess.LocationPath)
	detector := activity.NewDetector(sess.ID, workerID,
		validate.CompilePatterns(agent.AskingPatterns),
		r.opts.IdleTimeout, r.opts.ActiveWindow, r.onActivityChange)

	if err := r.startPTY(sess, w, command, CreateRequest{Continue: continueConversation}, repoEnv, detector); err != nil {
		return err
	}
	if err := r.store.UpdateWorkerPID(ctx, workerID, w.PID); err != nil {
		slog.Warn("persist worker pid failed", "worker_id", workerID, "error", err)
	}

	r.hub.Publish(events.WorkerUpdated, map[string]any{
		"sessionId": sess.ID,
		"worker":    w,
	})
	return nil
}

// Resume re-creates the live representation for a persisted worker
// during session resume.
func (r *Registry) Resume(ctx context.Context, sess *store.Session, w *store.Worker, repoEnv map[string]string) error {
	switch w.Type {
	case store.WorkerAgent:
		if w.AgentID == nil {
			return errdefs.DataIntegrity("agent worker %s has no agent id", w.ID)
		}
		agent, err := r.store.GetAgent(ctx, *w.AgentID)
		if err != nil {
			return err
		}
		detector := activity.NewDetector(sess.ID, w.ID,
			validate.CompilePatterns(agent.AskingPatterns),
			r.opts.IdleTimeout, r.opts.ActiveWindow, r.onActivityChange)
		prompt := ""
		if sess.InitialPrompt != nil {
			prompt = *sess.InitialPrompt
		}
		command := BuildAgentCommand(resolveTemplate(agent, true), prompt, sess.LocationPath)
		if err := r.startPTY(sess, w, command, CreateRequest{Continue: true}, repoEnv, detector); err != nil {
			return err
		}
	case store.WorkerTerminal:
		if err := r.startPTY(sess, w, "exec $SHELL -l", CreateRequest{}, repoEnv, nil); err != nil {
			return err
		}
	case store.WorkerGitDiff:
		lw := &liveWorker{meta: w, listeners: make(map[string]Listener)}
		r.mu.Lock()
		r.live[workerKey{sess.ID, w.ID}] = lw
		r.mu.Unlock()
		return nil
	}
	return r.store.UpdateWorkerPID(ctx, w.ID, w.PID)
}

// AdoptGitDiff registers the in-memory representation of a persisted
// git-diff worker at startup without touching the DB row.
func (r *Registry) AdoptGitDiff(sess *store.Session, w *store.Worker) {
	lw := &liveWorker{meta: w, listeners: make(map[string]Listener)}
	r.mu.Lock()
	r.live[workerKey{sess.ID, w.ID}] = lw
	r.mu.Unlock()
}

// killLive stops the PTY (if any) and removes the live entry.
func (r *Registry) killLive(sessionID, workerID string) {
	key := workerKey{sessionID, workerID}
	r.mu.Lock()
	lw := r.live[key]
	delete(r.live, key)
	delete(r.states, key)
	r.mu.Unlock()
	if lw == nil {
		return
	}

	lw.mu.Lock()
	proc := lw.proc
	lw.proc = nil
	lw.exited = true
	if lw.detector != nil {
		lw.detector.Close()
	}
	lw.mu.Unlock()

	if proc != nil {
		proc.Stop(r.opts.KillGrace)
	}
	r.logs.Flush(sessionID, workerID)
}

// KillWorker stops a live worker without deleting anything persisted.
func (r *Registry) KillWorker(sessionID, workerID string) {
	r.killLive(sessionID, workerID)
}

// DeleteWorker kills the process, removes persistence, and enqueues the
// output-log cleanup job.
func (r *Registry) DeleteWorker(ctx context.Context, sessionID, workerID string) error {
	w, err := r.store.GetWorker(ctx, sessionID, workerID)
	if err != nil {
		return err
	}

	r.killLive(sessionID, workerID)
	if err := r.store.DeleteWorker(ctx, w.ID); err != nil {
		return err
	}
	metrics.ActiveWorkers.Dec()

	payload, _ := json.Marshal(map[string]string{
		"sessionId": sessionID,
		"workerId":  workerID,
	})
	if _, err := r.queue.Enqueue(ctx, jobqueue.TypeWorkerOutputCleanup, string(payload), jobqueue.EnqueueOptions{}); err != nil {
		slog.Warn("enqueue worker cleanup failed", "worker_id", workerID, "error", err)
	}

	r.hub.Publish(events.WorkerDeleted, map[string]any{
		"sessionId": sessionID,
		"workerId":  workerID,
	})
	return nil
}

// AttachListener subscribes to live output. The returned offset is the
// log size at attach time, so a reader can request history up to it and
// splice the live stream after it with no gap or duplicate.
func (r *Registry) AttachListener(sessionID, workerID string, l Listener) (listenerID string, offset int64, detach func(), err error) {
	r.mu.Lock()
	lw := r.live[workerKey{sessionID, workerID}]
	r.mu.Unlock()
	if lw == nil {
		return "", 0, nil, errdefs.NotFound("live worker", workerID)
	}

	lw.mu.Lock()
	defer lw.mu.Unlock()
	// The offset is captured under the listener lock so no output byte
	// can slip between the measurement and the subscription.
	offset = r.logs.CurrentOffset(sessionID, workerID)
	listenerID = id.Suffix(8)
	lw.listeners[listenerID] = l
	detach = func() {
		lw.mu.Lock()
		delete(lw.listeners, listenerID)
		lw.mu.Unlock()
	}
	return listenerID, offset, detach, nil
}

// CurrentOutputOffset returns the worker's output log size.
func (r *Registry) CurrentOutputOffset(sessionID, workerID string) int64 {
	return r.logs.CurrentOffset(sessionID, workerID)
}

// ReadHistory returns log bytes from an offset.
func (r *Registry) ReadHistory(sessionID, workerID string, fromOffset int64) ([]byte, int64) {
	return r.logs.Read(sessionID, workerID, fromOffset)
}

// ReadTail returns the last n lines of the log.
func (r *Registry) ReadTail(sessionID, workerID string, n int) ([]byte, int64) {
	return r.logs.ReadLastLines(sessionID, workerID, n)
}

// IsLive reports whether the worker has a live representation.
func (r *Registry) IsLive(sessionID, workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live[workerKey{sessionID, workerID}] != nil
}

// ActivityState returns the worker's last classified state.
func (r *Registry) ActivityState(sessionID, workerID string) activity.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[workerKey{sessionID, workerID}]; ok {
		return st
	}
	return activity.StateUnknown
}

// ActivityStates snapshots all tracked states, keyed session -> worker.
func (r *Registry) ActivityStates() map[string]map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]string)
	for key, st := range r.states {
		m, ok := out[key.sessionID]
		if !ok {
			m = make(map[string]string)
			out[key.sessionID] = m
		}
		m[key.workerID] = string(st)
	}
	return out
}

// onActivityChange records the state and broadcasts the transition.
func (r *Registry) onActivityChange(sessionID, workerID string, state activity.State, at time.Time) {
	r.mu.Lock()
	r.states[workerKey{sessionID, workerID}] = state
	r.mu.Unlock()
	r.hub.PublishActivity(sessionID, workerID, string(state), at)
}

// KillSessionWorkers stops every live worker of a session.
func (r *Registry) KillSessionWorkers(sessionID string) {
	r.mu.Lock()
	var keys []workerKey
	for key := range r.live {
		if key.sessionID == sessionID {
			keys = append(keys, key)
		}
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.killLive(key.sessionID, key.workerID)
	}
}

// Shutdown stops all live workers.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	keys := make([]workerKey, 0, len(r.live))
	for key := range r.live {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.killLive(key.sessionID, key.workerID)
	}
}
