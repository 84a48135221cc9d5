package listener

import (
	"strconv"
	"strings"
	"time"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/keyword"
	"github.com/macroflight/frankenrouter/rdp"
	"github.com/macroflight/frankenrouter/wire"
)

// DefaultVersion is synthesized when the cache has no version yet;
// without one, Sim main clients refuse to proceed.
const DefaultVersion = "10.182 NG"

// DefaultLayout is synthesized when the cache has no layout yet.
const DefaultLayout = 1

const (
	startPollInterval = 10 * time.Millisecond
	startDeadline     = time.Second
)

// Welcome replays the Sim's connection handshake against a new client
// from the cache so the client believes it is talking to the Sim
// directly. Runs as a foreground sequence against this one client;
// other clients continue to be serviced concurrently.
func Welcome(r *core.Router, c *wire.Conn) {
	log := r.Logger.With().Str("task", "welcome").Int("client", c.ID).Logger()
	log.Info().Int("keywords", r.Cache.Size()).Msg("adding client to network")

	started := time.Now()
	r.MarkClientConnect()

	send := func(line string, flush bool) {
		if c.WriteLine(line) == nil {
			r.LogTraffic(false, strconv.Itoa(c.ID), line)
		}
		if flush {
			c.Flush()
		}
	}

	sendIfUnsent := func(key string) {
		if !r.Cache.Has(key) {
			log.Debug().Str("key", key).Msg("not in cache, cannot send")
			return
		}
		// DELTA variables are incremental and meaningless as replays
		if mode, ok := r.Catalog.ModeOf(key); ok && mode == keyword.ModeDELTA {
			return
		}
		if !c.MarkSent(key) {
			return
		}
		value, err := r.Cache.GetString(key)
		if err != nil {
			return
		}
		send(key+"="+value, false)
	}

	// the client must see its own router-assigned id, never our
	// upstream one
	send("id="+strconv.Itoa(c.ID), false)

	// version and layout, synthesized if the cache is cold
	if !r.Cache.Has("version") && c.MarkSent("version") {
		send("version="+DefaultVersion, false)
	}
	if !r.Cache.Has("layout") && c.MarkSent("layout") {
		send("layout="+strconv.Itoa(DefaultLayout), false)
	}
	sendIfUnsent("version")
	sendIfUnsent("layout")

	// the lexicon, grouped by prefix in stable order
	keys := keyword.Sort(r.Cache.Keys())
	for _, prefix := range []string{"Ls", "Lh", "Li"} {
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				sendIfUnsent(key)
			}
		}
	}

	// pause the client; flushed so buffering cannot delay it
	send("load1", true)

	// solicit fresh START-mode variables and give them a moment to
	// stream in; the broadcast path feeds our sent-set meanwhile
	if r.Upstream() != nil {
		c.AwaitingStart.Store(true)
		r.SendUpstream("start")
		r.StartSentAt.Store(time.Now().UnixNano())

		expected := r.Catalog.StartNotEcon()
		deadline := time.Now().Add(startDeadline)
		for {
			time.Sleep(startPollInterval)
			var missing []string
			for _, k := range expected {
				if !c.WasSent(k) {
					missing = append(missing, k)
				}
			}
			if len(missing) == 0 {
				log.Info().Msg("all expected START keywords received, continuing")
				break
			}
			if time.Now().After(deadline) {
				log.Warn().Int("missing", len(missing)).Int("expected", len(expected)).
					Strs("keywords", missing).
					Msg("gave up waiting for START data, continuing anyway")
				break
			}
		}
		c.AwaitingStart.Store(false)
	}

	if r.Cache.Size() < 10 {
		log.Warn().Msg("cache probably not initialized, some clients might misbehave")
	}

	// re-snapshot: the START window may have grown the cache
	keys = keyword.Sort(r.Cache.Keys())

	// the first Qi block goes out before load2
	for i := 0; i < 32; i++ {
		sendIfUnsent("Qi" + strconv.Itoa(i))
	}

	send("load2", true)

	for _, prefix := range []string{"Qi", "Qh", "Qs"} {
		for _, key := range keys {
			if strings.HasPrefix(key, prefix) {
				sendIfUnsent(key)
			}
		}
	}

	send("load3", true)
	sendIfUnsent("metar")

	// identify ourselves in case the client is another router
	send(rdp.SelfName(r.Cfg.Identity.Router, r.Cfg.Identity.Simulator), true)

	sent := c.SentCount()
	c.WelcomeDone.Store(true)
	c.ClearSent()

	elapsed := time.Since(started)
	rate := float64(sent) / elapsed.Seconds()
	log.Info().
		Float64("ms", float64(elapsed.Microseconds())/1000).
		Int("keywords", sent).
		Float64("keywords_per_s", rate).
		Msg("added client to network")
}
