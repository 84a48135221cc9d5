package rdp

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/macroflight/frankenrouter/core"
)

// Gossip is the optional cluster gossip relay: when a [kafka] section
// is configured, ROUTERINFO and SHAREDINFO are additionally published
// to a topic and consumed from it, so routers that are not directly
// TCP-peered still converge on the shared state. It is never the only
// transport; the in-band RDP path keeps working without it.
type Gossip struct {
	core.TaskBase

	client *kgo.Client
	topic  string
}

// NewGossip creates the gossip relay task.
func NewGossip(r *core.Router) *Gossip {
	return &Gossip{TaskBase: core.NewTaskBase(r, "gossip-relay")}
}

// Prepare connects to the configured brokers, or reports the task
// disabled when no [kafka] section is present.
func (t *Gossip) Prepare(ctx context.Context) error {
	cfg := t.R.Cfg.Kafka
	if len(cfg.Brokers) == 0 {
		return core.ErrTaskDisabled
	}
	t.topic = cfg.Topic

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumeTopics(t.topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
	}
	if cfg.Group != "" {
		opts = append(opts, kgo.ConsumerGroup(cfg.Group))
	}

	t.Debug().Strs("brokers", cfg.Brokers).Str("topic", t.topic).
		Msg("creating kafka client")
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return fmt.Errorf("gossip relay: %w", err)
	}
	t.client = client

	// best-effort topic creation so a fresh cluster just works
	admin := kadm.NewClient(client)
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := admin.CreateTopic(cctx, 1, 1, nil, t.topic); err != nil {
		t.Debug().Err(err).Msg("topic creation skipped")
	}

	t.Info().Str("topic", t.topic).Msg("gossip relay connected")
	return nil
}

// Run publishes our gossip on a fixed cadence and applies records from
// other routers as they arrive.
func (t *Gossip) Run(ctx context.Context) error {
	publish := time.NewTicker(gossipInterval)
	defer publish.Stop()
	defer t.client.Close()

	for {
		select {
		case <-ctx.Done():
			return core.ErrTaskStopped
		case <-publish.C:
			t.publish(ctx)
		default:
		}

		pctx, cancel := context.WithTimeout(ctx, time.Second)
		fetches := t.client.PollFetches(pctx)
		cancel()
		if ctx.Err() != nil {
			return core.ErrTaskStopped
		}
		for _, err := range fetches.Errors() {
			if err.Err == context.Canceled || err.Err == context.DeadlineExceeded {
				continue
			}
			t.Warn().Err(err.Err).Str("topic", err.Topic).Msg("fetch error")
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			t.apply(iter.Next())
		}
	}
}

// publish sends our ROUTERINFO, and SHAREDINFO when we are master.
// Records are keyed by our uuid so we can skip our own on the way back.
func (t *Gossip) publish(ctx context.Context) {
	r := t.R
	lines := []string{
		RouterInfo(r.UUID, r.Cfg.Identity.Router, r.Cfg.Identity.Simulator,
			r.Clients.Len(), r.UpstreamAddr()),
	}
	if r.Shared.Master() {
		lines = append(lines, SharedInfo(r.UUID, r.Shared.PilotFlying()))
	}
	for _, line := range lines {
		rec := &kgo.Record{
			Topic: t.topic,
			Key:   []byte(r.UUID),
			Value: []byte(line),
		}
		t.client.Produce(ctx, rec, func(_ *kgo.Record, err error) {
			if err != nil {
				t.Warn().Err(err).Msg("gossip publish failed")
			}
		})
	}
}

// apply folds one consumed gossip record into local state.
func (t *Gossip) apply(rec *kgo.Record) {
	r := t.R
	if string(rec.Key) == r.UUID {
		return // our own record
	}

	line := string(rec.Value)
	const prefix = "addon=" + Namespace + ":"
	if len(line) <= len(prefix) || line[:len(prefix)] != prefix {
		t.Debug().Str("line", line).Msg("ignoring non-gossip record")
		return
	}
	version, rest := SplitVersion(line[len(prefix):])
	if version != Version {
		return
	}
	verb, payload := SplitVerb(rest)
	raw := []byte(payload)

	switch verb {
	case VerbRouterInfo:
		uuid, err := PeekUUID(raw)
		if err != nil {
			return
		}
		r.Shared.StoreRouterInfo(uuid, raw)

	case VerbSharedInfo:
		masterUUID, err := PeekMasterUUID(raw)
		if err != nil {
			return
		}
		if r.Shared.Master() && !r.Shared.ResolveMaster(r.UUID, masterUUID) {
			t.Warn().Msg("relinquishing master role to higher uuid seen via gossip")
		}
		r.Shared.SetMasterUUID(masterUUID)
		if pf, ok := PeekPilotFlying(raw); ok {
			r.Shared.SetPilotFlying(pf)
		}
	}
}
