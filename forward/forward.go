// Package forward implements the two forwarder tasks: drain a message
// queue, let the rule engine classify each line, and execute the
// resulting action against upstream and the client set.
package forward

import (
	"context"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/keyword"
	"github.com/macroflight/frankenrouter/listener"
	"github.com/macroflight/frankenrouter/rules"
	"github.com/macroflight/frankenrouter/wire"
)

// Forwarder drains one queue into the rule engine.
type Forwarder struct {
	core.TaskBase

	q      *core.Queue
	engine *rules.Engine

	slowWarn *rate.Limiter
}

// New creates a forwarder for q. Both forwarders share one engine; it
// holds no per-message state.
func New(r *core.Router, name string, q *core.Queue, engine *rules.Engine) *Forwarder {
	return &Forwarder{
		TaskBase: core.NewTaskBase(r, name),
		q:        q,
		engine:   engine,
		slowWarn: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Run pumps the queue until stopped.
func (t *Forwarder) Run(ctx context.Context) error {
	r := t.R
	for {
		it, ok := t.q.Pop(ctx)
		if !ok {
			return core.ErrTaskStopped
		}
		queueTime := time.Since(it.At)

		// the sender may be gone by the time we get to its message
		if it.From == nil || it.From.Closing() {
			t.Debug().Str("line", it.Line).Msg("sender gone, dropping message")
			continue
		}
		if it.From.Kind == wire.KindUpstream && r.Upstream() != it.From {
			t.Debug().Str("line", it.Line).Msg("upstream gone, dropping message")
			continue
		}

		res := t.engine.Route(it.Line, it.From)
		t.execute(it, res)

		total := time.Since(it.At)
		if (total > r.Cfg.Performance.TotalDelayWarning ||
			queueTime > r.Cfg.Performance.QueueTimeWarning) &&
			!r.InGraceWindow() && t.slowWarn.Allow() {
			t.Warn().
				Dur("total", total).
				Dur("queue_time", queueTime).
				Int("qsize", t.q.Len()).
				Str("line", it.Line).
				Msg("slow message forwarding")
		}
	}
}

// execute performs the side requests and the fan-out for one decision.
func (t *Forwarder) execute(it core.Item, res rules.Result) {
	r := t.R
	sender := it.From
	fromUpstream := sender.Kind == wire.KindUpstream

	t.logResult(it, res)

	// side requests first: replies, RTT samples, synthetic traffic

	if res.Reply != "" {
		if fromUpstream {
			r.SendUpstream(res.Reply)
		} else if sender.WriteLine(res.Reply) == nil {
			r.LogTraffic(false, strconv.Itoa(sender.ID), res.Reply)
		}
	}

	if res.RTTSeconds > 0 && !r.InGraceWindow() {
		sender.AddRTT(res.RTTSeconds)
		if rtt := time.Duration(res.RTTSeconds * float64(time.Second)); rtt > r.Cfg.Performance.RTTWarning {
			t.Warn().Dur("rtt", rtt).Str("peer", sender.RemoteAddr()).Msg("slow RDP round-trip")
		}
	}

	for _, line := range res.UpstreamLines {
		r.SendUpstream(line)
	}
	for _, line := range res.BroadcastLines {
		if !fromUpstream {
			r.SendUpstream(line)
		}
		r.Broadcast(line, core.BroadcastOpts{Exclude: sender})
	}

	if res.Code == rules.CodeBang {
		t.answerBang(sender)
	}

	if res.RunWelcome {
		listener.Welcome(r, sender)
	}

	// then the fan-out itself

	switch res.Action {
	case rules.Drop, rules.Disconnect:
		// nothing to send
	case rules.UpstreamOnly:
		r.SendUpstream(it.Line)
	case rules.Normal:
		if !fromUpstream {
			r.SendUpstream(it.Line)
		}
		r.Broadcast(it.Line, core.BroadcastOpts{Exclude: sender})
	case rules.Filter:
		if !fromUpstream {
			r.SendUpstream(it.Line)
		}
		r.Broadcast(it.Line, core.BroadcastOpts{
			Exclude:         sender,
			NoLong:          res.Filter.NoLong,
			StartOnly:       res.Filter.Start,
			StartKey:        res.Filter.StartKey,
			ExcludeNameRe:   res.Filter.ExcludeNameRe,
			OnlyRouterPeers: res.Filter.OnlyRouterPeers,
		})
	}

	if res.CloseSender {
		if fromUpstream {
			r.CloseUpstream()
		} else {
			r.CloseClient(sender, res.Code == rules.CodeExit)
		}
	}
}

// answerBang synthesizes the Sim's bang reply from cached state: every
// cached Q* variable except DELTA-mode ones, in catalog order, sent to
// the requester only.
func (t *Forwarder) answerBang(c *wire.Conn) {
	r := t.R
	keys := keyword.Sort(r.Cache.Keys())
	sent := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, "Q") {
			continue
		}
		if mode, ok := r.Catalog.ModeOf(key); ok && mode == keyword.ModeDELTA {
			continue
		}
		value, err := r.Cache.GetString(key)
		if err != nil {
			continue
		}
		if c.WriteLine(key+"="+value) == nil {
			sent++
		}
	}
	r.MarkBang()
	r.LogTraffic(false, strconv.Itoa(c.ID), "(bang reply, "+strconv.Itoa(sent)+" keywords)")
	t.Info().Int("client", c.ID).Int("keywords", sent).Msg("answered bang from cache")
}

// logResult maps decision codes onto log levels; the interesting ones
// get their own message.
func (t *Forwarder) logResult(it core.Item, res rules.Result) {
	sender := "upstream"
	if it.From.Kind == wire.KindClient {
		sender = it.From.RemoteAddr()
	}

	switch res.Code {
	case rules.CodeInvalid:
		t.Warn().Str("from", sender).Str("note", res.Note).Str("line", it.Line).
			Msg("invalid message")
	case rules.CodeNonPSX:
		t.Warn().Str("from", sender).Str("line", it.Line).
			Msg("non-protocol keyword forwarded")
	case rules.CodeIngressFiltered:
		t.Info().Str("from", sender).Str("note", res.Note).Str("line", it.Line).
			Msg("update dropped by ingress filter")
	case rules.CodeNameLearned:
		t.Info().Str("from", sender).Str("name", res.Note).Msg("client name learned")
	case rules.CodeNameFromRouter:
		t.Info().Str("from", sender).Msg("peer identified as router")
	case rules.CodeNameRejected:
		t.Warn().Str("from", sender).Str("line", it.Line).
			Msg("ignoring name change from router peer")
	case rules.CodeAuthOK:
		t.Info().Str("from", sender).Msg("client authenticated")
	case rules.CodeAuthFail:
		t.Warn().Str("from", sender).Msg("client failed authentication")
	case rules.CodeAuthAlreadyHasAccess:
		t.Warn().Str("from", sender).Msg("AUTH from client that already has access")
	case rules.CodeExit:
		t.Info().Str("from", sender).Msg("got exit, closing connection")
	case rules.CodeNolong:
		t.Info().Str("from", sender).Msg("toggled nolong flag")
	case rules.CodeBangRejected:
		t.Info().Msg("dropped bang from upstream")
	case rules.CodeNoWrite, rules.CodeIngressFilteredSilent:
		t.Debug().Str("from", sender).Str("line", it.Line).Msg("message dropped")
	default:
		t.Debug().Str("from", sender).Str("line", it.Line).Msg("message handled")
	}
}
