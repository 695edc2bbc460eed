// Package diffsync implements the server half of differential
// synchronization.
//
// Each (client, entity) session keeps a shadow of the text the client and
// the server last agreed on, plus a version pair: n counts client edits the
// server accepted, m counts server edits sent to the client. Clients send
// patches against their shadow; the Manager reconciles them with the
// session's versions, applies them to the shadow and to the authoritative
// entity, acknowledges the sender and re-diffs the result for every other
// session on the entity.
//
// Locks are always taken in the order session, entity, manager.
package diffsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabtext/diffsync/internal/diff"
)

// Config holds the Manager's tuning.
type Config struct {
	// IdleTimeout is how long a session may go without a start or patch
	// before it is reclaimed.
	IdleTimeout time.Duration
	// ReapInterval is how often idle sessions are looked for.
	ReapInterval time.Duration
	// FlushInterval is how often dirty entities are written to the Store.
	FlushInterval time.Duration
	// ReplayWindow is how many accepted patch ids a session remembers.
	ReplayWindow int
	// PendingLimit caps unacknowledged server patches per session.
	PendingLimit int
}

// DefaultConfig returns the Manager defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   10 * time.Minute,
		ReapInterval:  30 * time.Second,
		FlushInterval: 2 * time.Second,
		ReplayWindow:  64,
		PendingLimit:  256,
	}
}

// Deps holds a Manager's collaborators.
type Deps struct {
	Config   Config
	Engine   *diff.Engine
	Store    Store
	Notifier Notifier
	Gate     Gate
	Log      *slog.Logger
	Now      func() time.Time
}

// Manager owns every session and every entity held in memory.
type Manager struct {
	cfg      Config
	engine   *diff.Engine
	notifier Notifier
	gate     Gate
	log      *slog.Logger
	now      func() time.Time
	persist  *writeBehind

	mu       sync.Mutex
	sessions map[SessionKey]*session
	entities map[EntityKey]*entity
}

// NewManager returns a Manager. Missing collaborators get defaults: an
// in-memory store, a notifier that drops everything and a gate that allows
// everything.
func NewManager(deps *Deps) *Manager {
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = def.ReplayWindow
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = def.PendingLimit
	}
	m := &Manager{
		cfg:      cfg,
		engine:   deps.Engine,
		notifier: deps.Notifier,
		gate:     deps.Gate,
		log:      deps.Log,
		now:      deps.Now,
		sessions: make(map[SessionKey]*session),
		entities: make(map[EntityKey]*entity),
	}
	if m.engine == nil {
		m.engine = diff.New(diff.DefaultOptions())
	}
	if m.notifier == nil {
		m.notifier = discard{}
	}
	if m.gate == nil {
		m.gate = AllowAll{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	store := deps.Store
	if store == nil {
		store = NewMemStore()
	}
	m.persist = newWriteBehind(store, m.log)
	return m
}

// Engine returns the diff engine used for every session.
func (m *Manager) Engine() *diff.Engine {
	return m.engine
}

// Start begins, or restarts, the session for clientID on ek. The session's
// shadow is seeded from the entity's authoritative value and both versions
// are reset to zero.
func (m *Manager) Start(ctx context.Context, clientID string, ek EntityKey) (StartResult, error) {
	if err := validate(clientID, ek); err != nil {
		return StartResult{}, err
	}
	if err := m.gate.CanRead(ctx, clientID, ek); err != nil {
		return StartResult{}, unauthorized(err)
	}
	key := SessionKey{ClientID: clientID, Entity: ek}
	for {
		ent, err := m.entity(ctx, ek)
		if err != nil {
			return StartResult{}, err
		}
		s := m.sessionFor(key)

		s.mu.Lock()
		if s.state == StateEnded {
			// Torn down while we were looking it up.
			s.mu.Unlock()
			continue
		}
		ent.mu.Lock()
		if ent.evicted {
			ent.mu.Unlock()
			s.mu.Unlock()
			continue
		}
		restart := s.ent != nil
		s.seed(ent, m.now())
		ent.subs[clientID] = s
		text := ent.value
		ent.mu.Unlock()
		s.mu.Unlock()

		m.log.Debug("session started", "session", key.String(), "restart", restart, "bytes", len(text))
		return StartResult{Text: text}, nil
	}
}

// Patch reconciles the client's patch entries in order. Entries accepted
// before a failing entry stay accepted; the returned result lists them.
func (m *Manager) Patch(ctx context.Context, clientID string, ek EntityKey, entries []PatchEntry) (PatchResult, error) {
	if err := validate(clientID, ek); err != nil {
		return PatchResult{}, err
	}
	for _, e := range entries {
		if e.ID == uuid.Nil {
			return PatchResult{}, NewError(CodeInvalidRequest, "patch entry without id")
		}
	}
	if err := m.gate.CanWrite(ctx, clientID, ek); err != nil {
		return PatchResult{}, unauthorized(err)
	}
	s := m.lookup(SessionKey{ClientID: clientID, Entity: ek})
	if s == nil {
		return PatchResult{}, ErrSessionNotFound
	}

	res, fan, err := func() (PatchResult, []fanTarget, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return m.patchLocked(s, entries)
	}()

	for _, f := range fan {
		m.push(f.sub, f.id, clientID)
	}
	return res, err
}

type fanTarget struct {
	sub *session
	id  uuid.UUID
}

func (m *Manager) patchLocked(s *session, entries []PatchEntry) (PatchResult, []fanTarget, error) {
	if !s.live() {
		return PatchResult{}, nil, ErrSessionNotFound
	}
	log := m.log.With("session", s.key.String())
	res := PatchResult{Results: make([]EntryResult, 0, len(entries))}
	var (
		fan  []fanTarget
		seen = make(map[*session]int)
		err  error
	)
	s.lastSeen = m.now()
	for _, e := range entries {
		if e.M <= s.m {
			// The client has seen every server patch up to e.M.
			s.store.ack(e.M)
		}
		var v verdict
		v, err = reconcile(m.engine, s, e)
		if err != nil {
			log.Warn("patch rejected", "id", e.ID, "n", e.N, "m", e.M, "sessionN", s.n, "sessionM", s.m, "err", err)
			break
		}
		if v.outcome == OutcomeDuplicate {
			log.Debug("duplicate patch", "id", e.ID)
			res.Results = append(res.Results, EntryResult{ID: e.ID, Outcome: OutcomeDuplicate})
			m.ack(s, e.ID)
			continue
		}

		var others []*session
		others, err = m.commit(s, e, v.shadow)
		if err != nil {
			log.Warn("patch does not apply to entity", "id", e.ID, "err", err)
			break
		}
		s.shadow = v.shadow
		s.n++
		s.state = StateActive
		s.store.remember(e.ID, v.digest)
		log.Debug("patch accepted", "id", e.ID, "n", s.n, "m", s.m, "fuzzy", v.fuzzy)
		res.Results = append(res.Results, EntryResult{ID: e.ID, Outcome: OutcomeAccepted, Fuzzy: v.fuzzy})
		m.ack(s, e.ID)

		for _, o := range others {
			if i, ok := seen[o]; ok {
				fan[i].id = e.ID
				continue
			}
			seen[o] = len(fan)
			fan = append(fan, fanTarget{sub: o, id: e.ID})
		}
	}
	res.N, res.M = s.n, s.m
	m.retransmit(s)
	return res, fan, err
}

// commit applies an accepted entry to the authoritative value and returns
// the other subscribers. newShadow is the session's shadow with the entry
// applied. Called with s.mu held.
func (m *Manager) commit(s *session, e PatchEntry, newShadow string) ([]*session, error) {
	ent := s.ent
	ent.mu.Lock()
	defer ent.mu.Unlock()

	var value string
	if ent.value == s.shadow {
		value = newShadow
	} else {
		var err error
		if value, err = m.engine.ApplyFuzzy(ent.value, e.Patches); err != nil {
			return nil, NewError(CodeVersionConflict, "patch %s does not apply to %s: %v", e.ID, ent.key, err)
		}
	}
	if value != ent.value {
		ent.value = value
		ent.rev++
		m.persist.mark(ent.key, value)
	}
	return ent.others(s.key.ClientID), nil
}

// End tears the session down. Later patches fail with ErrSessionNotFound.
func (m *Manager) End(ctx context.Context, clientID string, ek EntityKey) error {
	if err := validate(clientID, ek); err != nil {
		return err
	}
	s := m.lookup(SessionKey{ClientID: clientID, Entity: ek})
	if s == nil {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return ErrSessionNotFound
	}
	m.teardown(s)
	m.log.Debug("session ended", "session", s.key.String())
	return nil
}

// teardown ends s and drops it from its entity and the session table. An
// entity left without sessions is evicted from memory; its latest value
// stays with the write-behind until flushed. Called with s.mu held.
func (m *Manager) teardown(s *session) {
	s.state = StateEnded
	ent := s.ent
	empty := false
	if ent != nil {
		ent.mu.Lock()
		if ent.subs[s.key.ClientID] == s {
			delete(ent.subs, s.key.ClientID)
		}
		if len(ent.subs) == 0 {
			ent.evicted = true
			empty = true
		}
		ent.mu.Unlock()
	}

	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
	if empty && m.entities[ent.key] == ent {
		delete(m.entities, ent.key)
	}
	m.mu.Unlock()
}

// Run reclaims idle sessions and flushes dirty entities until ctx is done,
// then flushes one last time.
func (m *Manager) Run(ctx context.Context) error {
	reap := time.NewTicker(m.cfg.ReapInterval)
	defer reap.Stop()
	flush := time.NewTicker(m.cfg.FlushInterval)
	defer flush.Stop()
	for {
		select {
		case <-reap.C:
			if n := m.Reap(); n > 0 {
				m.log.Info("reclaimed idle sessions", "count", n)
			}
		case <-flush.C:
			_ = m.persist.flush(ctx)
		case <-ctx.Done():
			return m.Flush(context.Background())
		}
	}
}

// Reap ends every session idle for at least the idle timeout and returns
// how many it ended.
func (m *Manager) Reap() int {
	now := m.now()
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	n := 0
	for _, s := range all {
		s.mu.Lock()
		if s.live() && now.Sub(s.lastSeen) >= m.cfg.IdleTimeout {
			m.teardown(s)
			m.log.Debug("session reclaimed", "session", s.key.String(), "idle", now.Sub(s.lastSeen))
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Flush writes every dirty entity to the Store.
func (m *Manager) Flush(ctx context.Context) error {
	return m.persist.flush(ctx)
}

// Session returns a snapshot of a live session.
func (m *Manager) Session(key SessionKey) (SessionInfo, bool) {
	s := m.lookup(key)
	if s == nil {
		return SessionInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live() {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Entity returns a snapshot of an entity and its sessions. Entities with no
// live session are read from the store.
func (m *Manager) Entity(ctx context.Context, ek EntityKey) (EntityInfo, error) {
	if err := ek.validate(); err != nil {
		return EntityInfo{}, err
	}
	m.mu.Lock()
	ent := m.entities[ek]
	m.mu.Unlock()
	if ent == nil {
		text, err := m.persist.load(ctx, ek)
		if err != nil {
			return EntityInfo{}, err
		}
		return EntityInfo{Key: ek, Text: text}, nil
	}

	ent.mu.Lock()
	info := EntityInfo{Key: ek, Text: ent.value, Revision: ent.rev}
	subs := ent.others("")
	ent.mu.Unlock()
	for _, s := range subs {
		if si, ok := m.Session(s.key); ok {
			info.Sessions = append(info.Sessions, si)
		}
	}
	return info, nil
}

func (m *Manager) lookup(key SessionKey) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[key]
}

func (m *Manager) sessionFor(key SessionKey) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key]
	if !ok {
		s = &session{key: key, store: newPatchStore(m.cfg.PendingLimit, m.cfg.ReplayWindow)}
		m.sessions[key] = s
	}
	return s
}

// entity returns the in-memory entity for ek, loading it on first use.
func (m *Manager) entity(ctx context.Context, ek EntityKey) (*entity, error) {
	m.mu.Lock()
	ent, ok := m.entities[ek]
	m.mu.Unlock()
	if ok {
		return ent, nil
	}

	value, err := m.persist.load(ctx, ek)
	if err != nil {
		return nil, NewError(CodeInternal, "load %s: %v", ek, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ent, ok := m.entities[ek]; ok {
		return ent, nil
	}
	ent = &entity{key: ek, value: value, subs: make(map[string]*session)}
	m.entities[ek] = ent
	return ent, nil
}

func validate(clientID string, ek EntityKey) error {
	if clientID == "" {
		return NewError(CodeInvalidRequest, "clientId is required")
	}
	return ek.validate()
}
