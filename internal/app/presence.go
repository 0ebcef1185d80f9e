package app

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ringline/ringline/internal/core"
	"github.com/ringline/ringline/internal/domain"
)

// Presence is the single source of truth for "is this identity
// reachable". It owns the identity to connections mapping; nothing else
// caches it. Every mutation broadcasts a full online snapshot.
type Presence struct {
	mu    sync.RWMutex
	conns map[domain.Identity]map[core.ConnID]core.Conn
}

func NewPresence() *Presence {
	return &Presence{
		conns: make(map[domain.Identity]map[core.ConnID]core.Conn),
	}
}

// Register adds a live connection. Idempotent if already present.
func (p *Presence) Register(c core.Conn) {
	id := c.Identity()
	p.mu.Lock()
	set, ok := p.conns[id]
	if !ok {
		set = make(map[core.ConnID]core.Conn)
		p.conns[id] = set
	}
	if _, dup := set[c.ID()]; dup {
		p.mu.Unlock()
		return
	}
	set[c.ID()] = c
	p.mu.Unlock()

	log.Info().Str("module", "app.presence").Str("identity", id.String()).Str("conn", string(c.ID())).Msg("connection registered")
	p.broadcastSnapshot()
}

// Unregister removes a connection and, if it was the identity's last
// one, removes the identity entirely. Returns true when the identity
// went fully offline.
func (p *Presence) Unregister(c core.Conn) bool {
	id := c.Identity()
	p.mu.Lock()
	set, ok := p.conns[id]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if _, ok := set[c.ID()]; !ok {
		p.mu.Unlock()
		return false
	}
	delete(set, c.ID())
	last := len(set) == 0
	if last {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	log.Info().Str("module", "app.presence").Str("identity", id.String()).Str("conn", string(c.ID())).Bool("last", last).Msg("connection unregistered")
	p.broadcastSnapshot()
	return last
}

// ConnectionsFor returns zero or more live connections for an identity.
func (p *Presence) ConnectionsFor(id domain.Identity) []core.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.conns[id]
	out := make([]core.Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Online returns the identities with at least one live connection,
// sorted for stable snapshots.
func (p *Presence) Online() []domain.Identity {
	p.mu.RLock()
	out := make([]domain.Identity, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Presence) all() []core.Conn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []core.Conn
	for _, set := range p.conns {
		for _, c := range set {
			out = append(out, c)
		}
	}
	return out
}

func (p *Presence) broadcastSnapshot() {
	frame, err := domain.Encode(domain.EventOnlineUsers, domain.OnlineUsersPayload{
		Identities: p.Online(),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "app.presence").Msg("snapshot encode")
		return
	}
	for _, c := range p.all() {
		if err := c.TrySend(core.Frame(frame)); err != nil {
			log.Warn().Str("module", "app.presence").Str("conn", string(c.ID())).Msg("snapshot dropped")
		}
	}
}
