package torsion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-uuid"
)

// Path is one circuit through the overlay. It is owned by the
// `SessionManager` that created it; everybody else only borrows it for the
// duration of one exchange.
type Path struct {
	ID        PathID
	Key       SessionKey
	Class     string
	Subtag    string
	CreatedAt time.Time
	LastUsed  time.Time
}

func (p *Path) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(p.ID)),
		slog.String("key", string(p.Key)),
		slog.Time("created_at", p.CreatedAt),
	)
}

// SessionManagerConfig configures a `SessionManager`. The zero value gives a
// shared-path, never-rotating manager.
type SessionManagerConfig struct {
	// Policy decides how traffic tags map to session keys.
	Policy IsolationPolicy

	// RotationInterval is how long a path may be reused before it is
	// destroyed and replaced. Zero disables rotation.
	RotationInterval time.Duration

	// MetricLabels to add to every metric emitted by the manager.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// SessionManager owns the mapping from session keys to live paths. All of
// its state is instance-owned: two managers never share paths or timers.
type SessionManager struct {
	tr     Transport
	cfg    SessionManagerConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	// lk guards the entries map and the torndown flag only. Per-key work
	// (create, rotate, destroy) serializes on the entry lock so unrelated
	// keys never wait on each other.
	lk       sync.Mutex
	entries  map[SessionKey]*sessionEntry
	torndown bool

	active atomic.Int64
}

type sessionEntry struct {
	lk    sync.Mutex
	path  *Path
	timer *time.Timer

	// gen fences the rotation timer: a fired timer whose captured generation
	// no longer matches must no-op, since the key may have been rotated or
	// destroyed between scheduling and firing.
	gen uint64
}

func NewSessionManager(tr Transport, cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		tr:      tr,
		cfg:     cfg,
		entries: make(map[SessionKey]*sessionEntry),
	}

	if cfg.LogHandler == nil {
		sm.logger = slog.Default()
	} else {
		sm.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		sm.msink = metrics.Default()
	} else {
		sm.msink = cfg.MetricSink
	}

	return sm
}

// Acquire returns the live path grouping (class, subtag) under the active
// isolation policy, creating one if the key has none. Two concurrent
// acquires for the same key never create two paths: the loser reuses the
// winner's. A failed acquire leaves no path recorded under the key.
func (sm *SessionManager) Acquire(ctx context.Context, class, subtag string) (*Path, error) {
	return sm.AcquireKey(ctx, DeriveKey(sm.cfg.Policy, class, subtag), class, subtag)
}

// AcquireKey is `Acquire` for callers which already derived their key.
func (sm *SessionManager) AcquireKey(ctx context.Context, key SessionKey, class, subtag string) (*Path, error) {
	ent, err := sm.entry(key)
	if err != nil {
		return nil, err
	}

	ent.lk.Lock()
	defer ent.lk.Unlock()

	if ent.path != nil {
		ent.path.LastUsed = time.Now()
		return ent.path, nil
	}

	// Teardown may have won the race between the map lookup and the entry
	// lock; creating now would leak a path nobody tracks.
	sm.lk.Lock()
	torndown := sm.torndown
	sm.lk.Unlock()
	if torndown {
		return nil, ErrTeardown
	}

	path, err := sm.createPath(ctx, key, class, subtag)
	if err != nil {
		return nil, err
	}

	ent.path = path
	ent.gen++
	sm.armRotation(ent, key, ent.gen)
	sm.gaugeActive(1)
	return path, nil
}

// Get returns the live path recorded under key, without ever creating one.
// Destroyed paths are never returned.
func (sm *SessionManager) Get(key SessionKey) (*Path, bool) {
	sm.lk.Lock()
	ent, ok := sm.entries[key]
	sm.lk.Unlock()
	if !ok {
		return nil, false
	}

	ent.lk.Lock()
	defer ent.lk.Unlock()
	if ent.path == nil {
		return nil, false
	}
	return ent.path, true
}

// Rotate destroys the path recorded under `path`'s key and replaces it with
// a fresh one carrying fresh isolation parameters. The replacement is
// created and published before the old path is destroyed, so a concurrent
// `Acquire` observes either the old or the new path, never a destroyed one.
func (sm *SessionManager) Rotate(ctx context.Context, path *Path) (*Path, error) {
	sm.lk.Lock()
	ent, ok := sm.entries[path.Key]
	sm.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPathDestroyed, path.ID)
	}

	ent.lk.Lock()
	defer ent.lk.Unlock()
	if ent.path == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathDestroyed, path.ID)
	}
	return sm.rotateLocked(ctx, ent, path.Key)
}

// rotateLocked swaps the entry's path for a fresh one. Caller holds ent.lk.
func (sm *SessionManager) rotateLocked(ctx context.Context, ent *sessionEntry, key SessionKey) (*Path, error) {
	old := ent.path

	// Fence the timer before anything else so a concurrent firing no-ops.
	ent.gen++
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}

	fresh, err := sm.createPath(ctx, key, old.Class, old.Subtag)
	if err != nil {
		// The old path stays live; rearm since we just disarmed it.
		sm.armRotation(ent, key, ent.gen)
		return nil, err
	}

	ent.path = fresh
	sm.armRotation(ent, key, ent.gen)
	sm.msink.IncrCounterWithLabels(MetricPathRotateCount, 1.0,
		append(sm.cfg.MetricLabels, LabelKey.M(string(key))))
	sm.logger.Debug("rotated path", LabelKey.L(string(key)),
		"old", old.ID, "new", fresh.ID)

	if err := sm.destroyPath(old); err != nil {
		// Replacement is already published; surface the destroy failure.
		return nil, err
	}
	return fresh, nil
}

// rotateExpired runs when a rotation timer fires. gen identifies the
// scheduling; a stale firing is inert.
func (sm *SessionManager) rotateExpired(key SessionKey, ent *sessionEntry, gen uint64) {
	ent.lk.Lock()
	defer ent.lk.Unlock()

	if ent.gen != gen || ent.path == nil {
		return
	}

	if _, err := sm.rotateLocked(context.Background(), ent, key); err != nil {
		sm.logger.Warn("timed rotation failed",
			LabelKey.L(string(key)), LabelError.L(err))
	}
}

// Release destroys the path, cancels its timer and removes it from the
// active map. Releasing an already-released path is an error.
func (sm *SessionManager) Release(path *Path) error {
	sm.lk.Lock()
	ent, ok := sm.entries[path.Key]
	sm.lk.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPathDestroyed, path.ID)
	}

	ent.lk.Lock()
	defer ent.lk.Unlock()
	if ent.path == nil || ent.path.ID != path.ID {
		return fmt.Errorf("%w: %s", ErrPathDestroyed, path.ID)
	}

	ent.gen++
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
	ent.path = nil
	sm.gaugeActive(-1)
	return sm.destroyPath(path)
}

// Ephemeral creates a path outside the session key space. It is never
// recorded, never rotated and must be discarded by the caller with
// `Discard`. The dispatcher uses those for isolation-exempt health probes.
func (sm *SessionManager) Ephemeral(ctx context.Context) (*Path, error) {
	sm.lk.Lock()
	torndown := sm.torndown
	sm.lk.Unlock()
	if torndown {
		return nil, ErrTeardown
	}
	return sm.createPath(ctx, "", "", "")
}

// Discard destroys a path created with `Ephemeral`.
func (sm *SessionManager) Discard(path *Path) {
	if err := sm.destroyPath(path); err != nil {
		sm.logger.Warn("discarding ephemeral path failed",
			LabelPathID.L(string(path.ID)), LabelError.L(err))
	}
}

// Teardown cancels all timers, destroys all active paths and clears the
// manager's state. It is idempotent; destroy failures are logged, not
// returned, so shutdown always completes.
func (sm *SessionManager) Teardown() {
	sm.lk.Lock()
	sm.torndown = true
	entries := sm.entries
	sm.entries = make(map[SessionKey]*sessionEntry)
	sm.lk.Unlock()

	for key, ent := range entries {
		ent.lk.Lock()
		ent.gen++
		if ent.timer != nil {
			ent.timer.Stop()
			ent.timer = nil
		}
		path := ent.path
		ent.path = nil
		ent.lk.Unlock()

		if path != nil {
			sm.gaugeActive(-1)
			if err := sm.destroyPath(path); err != nil {
				sm.logger.Warn("teardown could not destroy path",
					LabelKey.L(string(key)), LabelError.L(err))
			}
		}
	}
}

func (sm *SessionManager) entry(key SessionKey) (*sessionEntry, error) {
	sm.lk.Lock()
	defer sm.lk.Unlock()
	if sm.torndown {
		return nil, ErrTeardown
	}

	ent, ok := sm.entries[key]
	if !ok {
		ent = &sessionEntry{}
		sm.entries[key] = ent
	}
	return ent, nil
}

func (sm *SessionManager) createPath(ctx context.Context, key SessionKey, class, subtag string) (*Path, error) {
	raw, err := uuid.GenerateUUID()
	if err != nil {
		// crypto/rand is broken, nothing sensible to do.
		panic(err)
	}

	id := PathID(raw)
	if err := sm.tr.CreatePath(ctx, id); err != nil {
		sm.msink.IncrCounterWithLabels(MetricPathCreateErrorCount, 1.0,
			append(sm.cfg.MetricLabels, LabelKey.M(string(key))))
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	sm.msink.IncrCounterWithLabels(MetricPathCreateCount, 1.0,
		append(sm.cfg.MetricLabels, LabelKey.M(string(key))))

	now := time.Now()
	return &Path{
		ID:        id,
		Key:       key,
		Class:     class,
		Subtag:    subtag,
		CreatedAt: now,
		LastUsed:  now,
	}, nil
}

func (sm *SessionManager) destroyPath(path *Path) error {
	if err := sm.tr.DestroyPath(path.ID); err != nil {
		sm.msink.IncrCounterWithLabels(MetricPathDestroyErrCount, 1.0, sm.cfg.MetricLabels)
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	sm.msink.IncrCounterWithLabels(MetricPathDestroyCount, 1.0, sm.cfg.MetricLabels)
	return nil
}

func (sm *SessionManager) armRotation(ent *sessionEntry, key SessionKey, gen uint64) {
	if sm.cfg.RotationInterval <= 0 {
		return
	}
	ent.timer = time.AfterFunc(sm.cfg.RotationInterval, func() {
		sm.rotateExpired(key, ent, gen)
	})
}

func (sm *SessionManager) gaugeActive(delta int64) {
	sm.msink.SetGaugeWithLabels(MetricPathActiveCount,
		float32(sm.active.Add(delta)), sm.cfg.MetricLabels)
}
