package rdp

import (
	"context"
	"strconv"
	"time"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/wire"
)

const (
	// PingInterval is how often each router-peer link is pinged.
	PingInterval = 5 * time.Second

	// gossipInterval paces ROUTERINFO and periodic SHAREDINFO emits.
	gossipInterval = 30 * time.Second
)

// Scheduler is the periodic RDP task: PING on every router-peer link,
// IDENT and AUTH once per link, and the gossip emits.
type Scheduler struct {
	core.TaskBase

	lastPing   time.Time
	lastGossip time.Time
}

// NewScheduler creates the RDP scheduler.
func NewScheduler(r *core.Router) *Scheduler {
	return &Scheduler{TaskBase: core.NewTaskBase(r, "rdp-scheduler")}
}

// Run ticks once a second and fires whatever is due.
func (t *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return core.ErrTaskStopped
		case <-time.After(time.Second):
		}

		if time.Since(t.lastPing) > PingInterval {
			t.pingPeers()
			t.lastPing = time.Now()
		}
		t.sendIdent()
		t.sendAuth()
		t.emitSharedInfo()
		if time.Since(t.lastGossip) > gossipInterval {
			t.emitRouterInfo()
			t.lastGossip = time.Now()
		}
	}
}

// sendClient writes one RDP line to a single client link.
func (t *Scheduler) sendClient(c *wire.Conn, line string) {
	if c.WriteLine(line) == nil {
		t.R.LogTraffic(false, strconv.Itoa(c.ID), line)
	}
}

// pingPeers sends a fresh PING on every router-peer link.
func (t *Scheduler) pingPeers() {
	r := t.R

	if up := r.Upstream(); up != nil && up.IsRouterPeer.Load() {
		id := NewRequestID()
		up.SetPing(id)
		r.SendUpstream(Ping(id))
		t.Debug().Str("request_id", id).Msg("sent PING upstream")
	}

	r.Clients.Range(func(c *wire.Conn) bool {
		if c.IsRouterPeer.Load() {
			id := NewRequestID()
			c.SetPing(id)
			t.sendClient(c, Ping(id))
		}
		return true
	})
}

// sendIdent announces our identity once per router-peer link.
func (t *Scheduler) sendIdent() {
	r := t.R
	ident := Ident(r.Cfg.Identity.Simulator, r.Cfg.Identity.Router, r.UUID)

	if up := r.Upstream(); up != nil && up.IsRouterPeer.Load() &&
		!up.IdentSent.Swap(true) {
		t.Info().Msg("sending IDENT upstream")
		r.SendUpstream(ident)
	}

	r.Clients.Range(func(c *wire.Conn) bool {
		if c.IsRouterPeer.Load() && !c.IdentSent.Swap(true) {
			t.Info().Int("client", c.ID).Msg("sending IDENT to peer")
			t.sendClient(c, ident)
		}
		return true
	})
}

// sendAuth authenticates upstream once when a password is configured.
func (t *Scheduler) sendAuth() {
	r := t.R
	up := r.Upstream()
	if up == nil || !up.IsRouterPeer.Load() || r.Cfg.Upstream.Password == "" {
		return
	}
	if !up.AuthSent.Swap(true) {
		t.Info().Msg("sending AUTH upstream")
		r.SendUpstream(Auth(r.Cfg.Upstream.Password))
	}
}

// emitSharedInfo disseminates cluster state when we are the master and
// a change (or the periodic cadence) calls for it.
func (t *Scheduler) emitSharedInfo() {
	r := t.R
	if !r.Shared.Master() {
		r.Shared.TakeEmitRequest() // consume; only the master emits
		return
	}
	if !r.Shared.TakeEmitRequest() && time.Since(t.lastGossip) <= gossipInterval {
		return
	}
	r.Shared.SetMasterUUID(r.UUID)
	line := SharedInfo(r.UUID, r.Shared.PilotFlying())
	r.SendUpstream(line)
	r.Broadcast(line, core.BroadcastOpts{OnlyRouterPeers: true})
	t.Debug().Msg("emitted SHAREDINFO")
}

// emitRouterInfo gossips our own state to router peers.
func (t *Scheduler) emitRouterInfo() {
	r := t.R
	line := RouterInfo(r.UUID, r.Cfg.Identity.Router, r.Cfg.Identity.Simulator,
		r.Clients.Len(), r.UpstreamAddr())
	r.SendUpstream(line)
	r.Broadcast(line, core.BroadcastOpts{OnlyRouterPeers: true})
}
