// Package reconcile drives one editor against a room's operation log: it
// debounces local edits into submitted operations and applies remote
// operations back into the editor, with self-echo suppression on both legs.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"coedit/cmd/internal/diff"
	"coedit/cmd/internal/editor"
	"coedit/cmd/internal/oplog"
)

// Backend is the operation-log surface the reconciler talks to. It is
// satisfied directly by the oplog stores (in-process) and by HTTPClient
// (over the REST API).
type Backend interface {
	Submit(ctx context.Context, in oplog.SubmitInput) (oplog.SubmitResult, error)
	ListSince(ctx context.Context, in oplog.ListSinceInput) (oplog.ListSinceResult, error)
	GetDocument(ctx context.Context, roomID string) (oplog.Snapshot, error)
	InitializeDocument(ctx context.Context, roomID, content string, now time.Time) (bool, error)
}

// State is the reconciler lifecycle state.
type State int32

// Lifecycle states. A reconciler is single-use: Run moves it from
// uninitialized through syncing to live, and back to uninitialized on exit.
const (
	StateUninitialized State = iota
	StateSyncing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	default:
		return "uninitialized"
	}
}

// Guard states for programmatic-edit suppression.
const (
	guardIdle int32 = iota
	guardApplyingRemote
)

const (
	defaultDebounce        = 300 * time.Millisecond
	defaultPollInterval    = 1 * time.Second
	defaultFullResyncEvery = 30 * time.Second
	defaultRecentIDs       = 128
	defaultListLimit       = 100

	// Caps ListSince pagination per poll so one round never loops forever.
	maxInboundPages = 16
)

// Config tunes a Reconciler.
type Config struct {
	RoomID string
	UserID string

	// DefaultContent seeds a room whose snapshot is still empty.
	DefaultContent string

	// Debounce is the quiet window after the last keystroke before the
	// pending local diff is submitted.
	Debounce        time.Duration
	PollInterval    time.Duration
	FullResyncEvery time.Duration

	// RecentIDs bounds the remembered own-operation ids used to recognize
	// echoes of this client's submissions.
	RecentIDs int

	// NewOperationID mints client-side operation ids. Defaults to UUIDv4.
	NewOperationID func() string
	Now            func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Debounce <= 0 {
		c.Debounce = envDuration("COEDIT_RECONCILE_DEBOUNCE", defaultDebounce)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = envDuration("COEDIT_RECONCILE_POLL_INTERVAL", defaultPollInterval)
	}
	if c.FullResyncEvery <= 0 {
		c.FullResyncEvery = envDuration("COEDIT_RECONCILE_FULL_RESYNC", defaultFullResyncEvery)
	}
	if c.RecentIDs <= 0 {
		c.RecentIDs = defaultRecentIDs
	}
	if c.NewOperationID == nil {
		c.NewOperationID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Reconciler synchronizes one editor with one room's operation log.
type Reconciler struct {
	log     *slog.Logger
	backend Backend
	ed      editor.Editor
	cfg     Config

	state atomic.Int32

	// guard suppresses the outbound leg while a remote operation is being
	// mirrored into the editor. Checked lock-free because editors fire
	// change handlers synchronously from SetContent.
	guard atomic.Int32

	mu       sync.Mutex
	shadow   string // content as of the last submitted or applied operation
	version  int64
	lastSync time.Time
	recent   *recentIDs

	dirty chan struct{}
}

// New constructs a Reconciler. Call Run to start the sync loops.
func New(log *slog.Logger, backend Backend, ed editor.Editor, cfg Config) (*Reconciler, error) {
	if backend == nil {
		return nil, errors.New("reconcile: nil backend")
	}
	if ed == nil {
		return nil, errors.New("reconcile: nil editor")
	}
	if cfg.RoomID == "" || cfg.UserID == "" {
		return nil, errors.New("reconcile: missing room or user id")
	}
	cfg.applyDefaults()

	r := &Reconciler{
		log:     log,
		backend: backend,
		ed:      ed,
		cfg:     cfg,
		recent:  newRecentIDs(cfg.RecentIDs),
		dirty:   make(chan struct{}, 1),
	}
	ed.OnChange(r.onEditorChange)
	return r, nil
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	return State(r.state.Load())
}

// Run bootstraps the room and drives the outbound and inbound loops until
// ctx is done. The two loops are independent goroutines so neither can
// starve the other.
func (r *Reconciler) Run(ctx context.Context) error {
	r.state.Store(int32(StateSyncing))
	defer r.state.Store(int32(StateUninitialized))

	if err := r.bootstrap(ctx); err != nil {
		return err
	}
	r.state.Store(int32(StateLive))
	r.log.Info("reconcile.live", "room_id", r.cfg.RoomID, "user_id", r.cfg.UserID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.outboundLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.inboundLoop(ctx)
	}()
	wg.Wait()
	return nil
}

// bootstrap performs the syncing phase: seed an empty room or adopt the
// authoritative snapshot.
func (r *Reconciler) bootstrap(ctx context.Context) error {
	snap, err := r.backend.GetDocument(ctx, r.cfg.RoomID)
	if err != nil {
		return err
	}

	if snap.Version == 0 && snap.Content == "" && r.cfg.DefaultContent != "" {
		won, err := r.backend.InitializeDocument(ctx, r.cfg.RoomID, r.cfg.DefaultContent, r.cfg.Now())
		if err != nil {
			return err
		}
		if !won {
			r.log.Info("reconcile.seed.lost_race", "room_id", r.cfg.RoomID)
		}
		// Re-read so a lost race adopts the winner's content.
		snap, err = r.backend.GetDocument(ctx, r.cfg.RoomID)
		if err != nil {
			return err
		}
	}

	r.adoptSnapshot(snap)
	return nil
}

// adoptSnapshot force-overwrites the editor from the authoritative snapshot.
func (r *Reconciler) adoptSnapshot(snap oplog.Snapshot) {
	r.withRemoteGuard(func() {
		r.ed.SetContent(snap.Content)
	})

	r.mu.Lock()
	r.shadow = snap.Content
	r.version = snap.Version
	r.lastSync = snap.LastModified
	r.mu.Unlock()
}

// onEditorChange marks the outbound leg dirty unless the change is our own
// programmatic mirror of a remote operation.
func (r *Reconciler) onEditorChange(string) {
	if r.guard.Load() == guardApplyingRemote {
		return
	}
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

func (r *Reconciler) withRemoteGuard(fn func()) {
	r.guard.Store(guardApplyingRemote)
	defer r.guard.Store(guardIdle)
	fn()
}

// ---- outbound ----

// outboundLoop debounces dirty signals: the timer restarts on every change
// and only the final pending diff after a quiet window is submitted.
func (r *Reconciler) outboundLoop(ctx context.Context) {
	timer := time.NewTimer(r.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	armed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.dirty:
			if armed && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(r.cfg.Debounce)
			armed = true
		case <-timer.C:
			armed = false
			r.flushOutbound(ctx)
		}
	}
}

// flushOutbound diffs the editor against the shadow and submits the edit.
func (r *Reconciler) flushOutbound(ctx context.Context) {
	r.mu.Lock()
	shadow := r.shadow
	r.mu.Unlock()

	current := r.ed.Content()
	e := diff.Diff(shadow, current)
	if e == nil {
		return
	}

	opID := r.cfg.NewOperationID()
	res, err := r.backend.Submit(ctx, oplog.SubmitInput{
		RoomID:      r.cfg.RoomID,
		OperationID: opID,
		UserID:      r.cfg.UserID,
		Edit:        *e,
		Now:         r.cfg.Now(),
	})
	if err != nil {
		if errors.Is(err, oplog.ErrInvalidOperation) {
			// Last-writer-loses-locally: the edit raced a remote change and
			// no longer fits; drop it and re-adopt the authoritative state.
			r.log.Info("reconcile.submit.rejected", "room_id", r.cfg.RoomID, "op_id", opID, "err", err)
			r.resetToAuthoritative(ctx)
			return
		}
		// Transient failure: keep the local change, the next flush retries
		// it as part of a fresh diff.
		r.log.Info("reconcile.submit.fail", "room_id", r.cfg.RoomID, "op_id", opID, "err", err)
		return
	}

	r.mu.Lock()
	r.recent.add(opID)
	r.shadow = current
	r.version = res.Version
	r.mu.Unlock()
}

// resetToAuthoritative discards local divergence and adopts the snapshot.
func (r *Reconciler) resetToAuthoritative(ctx context.Context) {
	snap, err := r.backend.GetDocument(ctx, r.cfg.RoomID)
	if err != nil {
		r.log.Info("reconcile.reset.fail", "room_id", r.cfg.RoomID, "err", err)
		return
	}
	r.adoptSnapshot(snap)
}

// ---- inbound ----

func (r *Reconciler) inboundLoop(ctx context.Context) {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	full := time.NewTicker(r.cfg.FullResyncEvery)
	defer full.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			r.pollInbound(ctx)
		case <-full.C:
			r.fullResync(ctx)
		}
	}
}

// pollInbound fetches and applies new remote operations, oldest first.
func (r *Reconciler) pollInbound(ctx context.Context) {
	for page := 0; page < maxInboundPages; page++ {
		r.mu.Lock()
		after := r.lastSync
		r.mu.Unlock()

		res, err := r.backend.ListSince(ctx, oplog.ListSinceInput{
			RoomID: r.cfg.RoomID,
			After:  after,
			Limit:  defaultListLimit,
		})
		if err != nil {
			r.log.Info("reconcile.poll.fail", "room_id", r.cfg.RoomID, "err", err)
			return
		}

		for _, op := range res.Operations {
			if !r.applyRemote(op) {
				r.resetToAuthoritative(ctx)
				return
			}
		}

		if !res.HasMore {
			return
		}
	}
}

// applyRemote mirrors one remote operation into the editor. Own operations
// (by user id or by remembered operation id) only advance the sync cursor:
// their effect is already in the editor. Returns false when the operation
// does not fit the local content, signaling divergence.
func (r *Reconciler) applyRemote(op oplog.Operation) bool {
	r.mu.Lock()
	own := op.UserID == r.cfg.UserID || r.recent.contains(op.OperationID)
	r.mu.Unlock()

	ok := true
	if !own {
		r.withRemoteGuard(func() {
			current := r.ed.Content()
			next, err := op.Edit.Apply(current)
			if err != nil {
				r.log.Info("reconcile.apply.diverged",
					"room_id", r.cfg.RoomID, "op_id", op.OperationID, "err", err)
				ok = false
				return
			}
			r.ed.SetContent(next)

			r.mu.Lock()
			r.shadow = next
			r.mu.Unlock()
		})
	}

	r.mu.Lock()
	r.lastSync = op.ServerTS
	r.version = op.Seq
	r.mu.Unlock()
	return ok
}

// fullResync compares the editor against the authoritative snapshot and
// force-overwrites on divergence. This is the safety net for the diff
// engine's single-span limitation and for missed operations, not the
// primary sync path.
func (r *Reconciler) fullResync(ctx context.Context) {
	r.mu.Lock()
	shadow := r.shadow
	r.mu.Unlock()

	// A pending local edit is not divergence; let the outbound leg submit
	// it first.
	current := r.ed.Content()
	if diff.Diff(shadow, current) != nil {
		return
	}

	snap, err := r.backend.GetDocument(ctx, r.cfg.RoomID)
	if err != nil {
		r.log.Info("reconcile.resync.fail", "room_id", r.cfg.RoomID, "err", err)
		return
	}
	if snap.Content == current {
		r.mu.Lock()
		r.version = snap.Version
		r.lastSync = snap.LastModified
		r.mu.Unlock()
		return
	}

	r.log.Info("reconcile.resync.overwrite", "room_id", r.cfg.RoomID, "version", snap.Version)
	r.adoptSnapshot(snap)
}

// ---- recent ids ----

// recentIDs is a bounded FIFO set of this client's submitted operation ids.
type recentIDs struct {
	max   int
	order []string
	set   map[string]struct{}
}

func newRecentIDs(max int) *recentIDs {
	return &recentIDs{
		max: max,
		set: make(map[string]struct{}, max),
	}
}

func (r *recentIDs) add(id string) {
	if _, ok := r.set[id]; ok {
		return
	}
	r.set[id] = struct{}{}
	r.order = append(r.order, id)
	for len(r.order) > r.max {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.set, oldest)
	}
}

func (r *recentIDs) contains(id string) bool {
	_, ok := r.set[id]
	return ok
}
