package core

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/macroflight/frankenrouter/wire"
)

const headerLineLength = 120

// StatusTask drives the periodic status display and evaluates the
// configured [[check]] warning predicates.
type StatusTask struct {
	TaskBase
}

// NewStatusTask creates the status display task.
func NewStatusTask(r *Router) *StatusTask {
	return &StatusTask{TaskBase: NewTaskBase(r, "status")}
}

// Run prints the status table on the configured interval, or sooner
// when another task requests it.
func (t *StatusTask) Run(ctx context.Context) error {
	var lastDisplay time.Time
	for {
		select {
		case <-ctx.Done():
			return ErrTaskStopped
		case reason := <-t.R.statusReq:
			t.Debug().Str("reason", reason).Msg("status display requested")
		case <-time.After(time.Second):
			if time.Since(lastDisplay) < t.R.Cfg.StatusInterval {
				continue
			}
		}
		if t.R.ShuttingDown.Load() {
			continue
		}
		t.printStatus()
		t.printCheckWarnings()
		t.printAircraftStatus()
		t.printVariableStats()
		lastDisplay = time.Now()
	}
}

func (t *StatusTask) printStatus() {
	r := t.R
	line := strings.Repeat("-", headerLineLength)

	t.Info().Msg(line)
	t.Info().Msgf(
		"Router %q port %d, %d/%d msgs in queue from upstream/clients, uptime %d s, cache=%d",
		r.Cfg.Identity.Router, r.Cfg.Listen.Port,
		r.FromUpstream.Len(), r.FromClients.Len(),
		int(time.Since(r.StartTime).Seconds()), r.Cache.Size(),
	)

	if up := r.Upstream(); up != nil {
		name, _ := up.DisplayName()
		info := "UPSTREAM " + up.RemoteAddr() + " " + name
		if n, median, max := up.RTTStats(); n > 0 {
			info += ", FRDP RTT median/max: " +
				strconv.FormatFloat(median, 'f', 1, 64) + "/" +
				strconv.FormatFloat(max, 'f', 1, 64) + " ms"
		}
		if rc := r.UpstreamConnects.Load(); rc > 1 {
			info += ", " + strconv.FormatInt(rc-1, 10) + " reconnections"
		}
		t.Info().Msg(info)
	} else {
		t.Info().Msg("[NO UPSTREAM CONNECTION]")
	}

	t.Info().Msgf("%d clients", r.Clients.Len())
	t.Info().Msgf(
		"%2s %-26s %-21s %8s %6s %6s %9s %9s %6s %6s",
		"id", "Name", "Peer", "Access",
		"Lsent", "Lrecvd", "Bsent", "Brecvd", "RTTmed", "RTTmax",
	)
	for _, c := range r.Clients.All() {
		name, src := c.DisplayName()
		med, max := "-", "-"
		if n, m, x := c.RTTStats(); n > 0 {
			med = strconv.FormatFloat(m, 'f', 1, 64)
			max = strconv.FormatFloat(x, 'f', 1, 64)
		}
		t.Info().Msgf(
			"%2d %-26s %-21s %8s %6d %6d %9d %9d %6s %6s",
			c.ID, src.Prefix()+name, c.RemoteAddr(), c.Access(),
			c.MsgsSent.Load(), c.MsgsRecv.Load(),
			c.BytesSent.Load(), c.BytesRecv.Load(),
			med, max,
		)
	}
	t.Info().Msg(line)
}

// printCheckWarnings evaluates the [[check]] predicates against the
// connected client set.
func (t *StatusTask) printCheckWarnings() {
	for _, chk := range t.R.Cfg.Checks {
		count := 0
		t.R.Clients.Range(func(c *wire.Conn) bool {
			switch chk.Type {
			case "is_router_peer":
				if c.IsRouterPeer.Load() {
					count++
				}
			case "name_regexp":
				if name, _ := c.DisplayName(); chk.Re.MatchString(name) {
					count++
				}
			}
			return true
		})
		if chk.HasMin && count < chk.LimitMin {
			t.Warn().Int("count", count).Str("check", chk.Type).
				Msg("too few matching clients connected")
		}
		if chk.HasMax && count > chk.LimitMax {
			t.Warn().Int("count", count).Str("check", chk.Type).
				Msg("too many matching clients connected")
		}
	}
}

// printAircraftStatus renders one line of basic flight state from the
// cached Qs121 vector as a sanity check on the data passing through.
func (t *StatusTask) printAircraftStatus() {
	v, err := t.R.Cache.GetString("Qs121")
	if err != nil {
		return
	}
	f := strings.Split(v, ";")
	if len(f) < 7 {
		return
	}
	num := func(i int) float64 {
		n, _ := strconv.ParseFloat(f[i], 64)
		return n
	}
	t.Info().Msgf(
		"pitch=%.1f bank=%.1f heading=%.0f altitude_true=%.0f TAS=%.0f lat=%.6f lon=%.6f",
		rad2deg(num(0)/1e6), rad2deg(num(1)/1e6), rad2deg(num(2)),
		num(3)/1000, num(4)/1000, rad2deg(num(5)), rad2deg(num(6)),
	)
}

func rad2deg(r float64) float64 { return r * 180 / math.Pi }

// printVariableStats shows the chattiest keywords and endpoints when
// stats collection is enabled.
func (t *StatusTask) printVariableStats() {
	if !t.R.Stats.Enabled() {
		return
	}
	t.Info().Msg("top-5 received messages by keyword:")
	for _, c := range t.R.Stats.TopKeywords(5) {
		t.Info().Msgf("%8s - %6d messages", c.Name, c.N)
	}
	t.Info().Msg("top-5 received messages by endpoint:")
	for _, c := range t.R.Stats.TopEndpoints(5) {
		t.Info().Msgf("%32s - %6d messages", c.Name, c.N)
	}
}

// Housekeeping persists the cache on a fixed cadence so a crash loses
// at most one interval of state.
type Housekeeping struct {
	TaskBase
}

// NewHousekeeping creates the housekeeping task.
func NewHousekeeping(r *Router) *Housekeeping {
	return &Housekeeping{TaskBase: NewTaskBase(r, "housekeeping")}
}

// Run persists the cache every interval.
func (t *Housekeeping) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ErrTaskStopped
		case <-time.After(t.R.Cfg.HousekeepingInterval):
		}
		t.Debug().Msg("performing housekeeping")
		if err := t.R.Cache.WriteToFile(); err != nil {
			t.Warn().Err(err).Msg("could not persist cache")
		}
		if dropped := t.R.Stats.Trim(); dropped > 0 {
			t.Info().Int("dropped", dropped).Msg("trimmed variable stats buffer")
		}
	}
}
