// Package rules implements the routing rule engine: a classifier that
// maps (line, sender, router state) to a routing decision. Side
// effects are confined to per-sender scalar fields, the shared
// pilot-flying state and cache writes for accepted key/value messages;
// sending, closing and welcoming happen in the forwarder based on the
// returned Result.
package rules

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/macroflight/frankenrouter/core"
	"github.com/macroflight/frankenrouter/keyword"
	"github.com/macroflight/frankenrouter/message"
	"github.com/macroflight/frankenrouter/rdp"
	"github.com/macroflight/frankenrouter/wire"
)

// Action is what the forwarder does with a classified message.
type Action int

const (
	Drop Action = iota
	Disconnect
	UpstreamOnly
	Normal
	Filter
)

// Code refines the Action with the rule that produced it; the
// forwarder keys its side effects and logging off it.
type Code int

const (
	CodeInvalid Code = iota
	CodeNoWrite
	CodeNormal

	CodeNameFromRouter
	CodeNameLearned
	CodeNameNoChange
	CodeNameRejected

	CodePing
	CodePong
	CodeIdent
	CodeMyControls
	CodeAllControlLocks
	CodeNoControlLocks
	CodeFlightControls
	CodeJoin
	CodeClientInfo
	CodeRouterInfo
	CodeSharedInfo
	CodeAuthOK
	CodeAuthFail
	CodeAuthAlreadyHasAccess
	CodeAddonForwarded

	CodeDemand
	CodeAgain
	CodeStart
	CodePBSKAQ
	CodeLayout
	CodeLoad1
	CodeLoad2
	CodeLoad3
	CodeBang
	CodeBangRejected
	CodeExit
	CodeNolong
	CodeNonPSX
	CodeIngressFiltered
	CodeIngressFilteredSilent
	CodeEgress
)

// FilterSpec selects the broadcast fan-out policy for Action Filter.
type FilterSpec struct {
	NoLong          bool
	Start           bool
	StartKey        string
	ExcludeNameRe   *regexp.Regexp
	OnlyRouterPeers bool
}

// Result is one routing decision plus the side requests the forwarder
// executes.
type Result struct {
	Action Action
	Code   Code
	Note   string // context for logging

	Filter FilterSpec // valid when Action == Filter

	Reply          string   // line to send back to the sender only
	UpstreamLines  []string // extra lines to send upstream
	BroadcastLines []string // extra lines to broadcast normally

	RunWelcome  bool    // AUTH succeeded: run the welcome sequence
	CloseSender bool    // close the sender's connection
	RTTSeconds  float64 // measured PONG round-trip, when > 0
}

// Engine is the rule engine. It holds no per-message state; Route can
// be called from both forwarders.
type Engine struct {
	zerolog.Logger
	R *core.Router
}

// Hard-wired protocol keywords with special ingress handling.
const (
	tillerKeyword    = "Qh426"
	acarsKeyword     = "Qs119"
	elevationKeyword = "Qi198"
	eicasKeyword     = "Qs421"
)

// the five flight-control keywords gated by the pilot-flying lockout
var flightControlKeywords = map[string]bool{
	"Qs120": true, "Qs357": true, "Qs436": true, "Qh388": true, tillerKeyword: true,
}

// traffic-injection keywords filtered from vPilot clients when
// filter_traffic is set
var trafficKeywords = map[string]bool{
	"Qs450": true, "Qs451": true,
}

var (
	bacarsRe = regexp.MustCompile(`.*(BACARS|BA ACARS).*`)
	vpilotRe = regexp.MustCompile(`.*vPilot.*`)
)

// New creates the engine bound to the router context.
func New(r *core.Router) *Engine {
	return &Engine{
		Logger: r.Logger.With().Str("task", "rules").Logger(),
		R:      r,
	}
}

func drop(code Code, note string) Result {
	return Result{Action: Drop, Code: code, Note: note}
}

func (e *Engine) fromUpstream(c *wire.Conn) bool {
	return c.Kind == wire.KindUpstream
}

func (e *Engine) allowWrite(c *wire.Conn) bool {
	return e.fromUpstream(c) || c.CanWrite()
}

// Route classifies one line from sender.
func (e *Engine) Route(line string, sender *wire.Conn) Result {
	m, err := message.Parse(line)
	if err != nil {
		return drop(CodeInvalid, "multi-line message")
	}
	if m.Kind == message.KindEmpty {
		return drop(CodeInvalid, "empty line")
	}

	// name learning and addon dispatch come before the write gate:
	// a noaccess client must still be able to AUTH
	switch {
	case m.Kind == message.KindKV && (m.Key == "name" || m.Key == "clientName"):
		return e.handleName(m.Value, sender)
	case m.Kind == message.KindAddon:
		return e.handleAddon(m, sender)
	case m.Kind == message.KindKV && m.Key == "demand":
		if e.fromUpstream(sender) {
			return drop(CodeInvalid, "demand from upstream")
		}
		if !sender.HasAccess() {
			return drop(CodeNoWrite, "")
		}
		sender.AddDemand(m.Value)
		return Result{Action: UpstreamOnly, Code: CodeDemand}
	}

	if !e.allowWrite(sender) {
		return drop(CodeNoWrite, "")
	}

	if m.Kind == message.KindBare {
		return e.handleBare(m.Key, sender)
	}

	return e.handleKeyValue(m.Key, m.Value, sender)
}

// handleBare covers the reserved command words.
func (e *Engine) handleBare(word string, sender *wire.Conn) Result {
	switch word {
	case "again":
		if e.fromUpstream(sender) {
			return drop(CodeInvalid, "again from upstream")
		}
		return Result{Action: UpstreamOnly, Code: CodeAgain}

	case "start":
		if e.fromUpstream(sender) {
			return drop(CodeInvalid, "start from upstream")
		}
		return Result{Action: UpstreamOnly, Code: CodeStart}

	case "pleaseBeSoKindAndQuit", "layout":
		code := CodePBSKAQ
		if word == "layout" {
			code = CodeLayout
		}
		// a router peer relaying another simulator must not shut us
		// down or switch our layout
		if sender.IsRouterPeer.Load() {
			sim, _, _ := sender.Identity()
			if sim != "" && sim != e.R.Cfg.Identity.Simulator {
				return drop(code, "different simulator "+sim)
			}
		}
		return Result{Action: Normal, Code: code}

	case "load1":
		e.R.MarkLoad1()
		return Result{Action: Normal, Code: CodeLoad1}
	case "load2":
		return Result{Action: Normal, Code: CodeLoad2}
	case "load3":
		e.R.MarkLoad3()
		return Result{Action: Normal, Code: CodeLoad3}

	case "bang":
		if e.fromUpstream(sender) {
			return drop(CodeBangRejected, "bang from upstream")
		}
		// the forwarder answers with cached state
		return drop(CodeBang, "")

	case "exit":
		return Result{Action: Drop, Code: CodeExit, CloseSender: true}

	case "nolong":
		if e.fromUpstream(sender) {
			return drop(CodeInvalid, "nolong from upstream")
		}
		sender.Nolong.Store(!sender.Nolong.Load())
		return drop(CodeNolong, "")
	}

	// unknown bare word: treat like a non-protocol keyword
	return Result{Action: Normal, Code: CodeNonPSX}
}

// handleName learns display names and recognizes peer routers.
func (e *Engine) handleName(value string, sender *wire.Conn) Result {
	if rdp.NameRe.MatchString(value) {
		name, _, _ := strings.Cut(value, ":")
		sender.IsRouterPeer.Store(true)
		sender.SetDisplayName(name, wire.NameFromNameMessage)
		e.R.RequestStatus("router peer identified")
		return drop(CodeNameFromRouter, "")
	}

	if value == "" {
		return drop(CodeInvalid, "name keyword without value")
	}

	if sender.IsRouterPeer.Load() {
		return drop(CodeNameRejected, "name change from router peer")
	}

	// addons send name=<id>:<display>; either half may be empty
	providedID, display := value, value
	if i := strings.IndexByte(value, ':'); i >= 0 {
		providedID, display = value[:i], value[i+1:]
	}

	changed := false
	if name, _ := sender.DisplayName(); display != name {
		sender.SetDisplayName(display, wire.NameFromNameMessage)
		changed = true
	}
	if providedID != sender.ProvidedID() {
		sender.SetProvidedID(providedID)
		changed = true
	}
	if changed {
		e.R.RequestStatus("client name learned")
		return drop(CodeNameLearned, display)
	}
	return drop(CodeNameNoChange, "")
}

// handleAddon dispatches addon messages; our own namespace goes to the
// RDP verb handlers, foreign namespaces forward for writers.
func (e *Engine) handleAddon(m message.Message, sender *wire.Conn) Result {
	if m.Namespace != rdp.Namespace {
		if !e.allowWrite(sender) {
			return drop(CodeNoWrite, "")
		}
		return Result{Action: Normal, Code: CodeAddonForwarded}
	}

	version, rest := rdp.SplitVersion(m.Payload)
	if version != rdp.Version {
		return Result{
			Action:      Disconnect,
			Code:        CodeInvalid,
			Note:        "protocol version mismatch: " + m.Raw,
			CloseSender: true,
		}
	}

	verb, payload := rdp.SplitVerb(rest)
	return e.handleVerb(verb, payload, sender)
}

func (e *Engine) handleVerb(verb, payload string, sender *wire.Conn) Result {
	if verb == rdp.VerbAuth {
		return e.handleAuth(payload, sender)
	}
	// AUTH is the only verb a noaccess client may speak
	if !e.fromUpstream(sender) && !sender.HasAccess() {
		return drop(CodeNoWrite, "")
	}
	sender.IsRouterPeer.Store(true)

	switch verb {
	case rdp.VerbPing:
		return Result{Action: Drop, Code: CodePing, Reply: rdp.Pong(payload)}

	case rdp.VerbPong:
		expected, sentAt := sender.Ping()
		if payload != expected {
			return drop(CodeInvalid, "unexpected PONG id "+payload)
		}
		return Result{
			Action:     Drop,
			Code:       CodePong,
			RTTSeconds: time.Since(sentAt).Seconds(),
		}

	case rdp.VerbIdent:
		f := strings.SplitN(payload, ":", 3)
		if len(f) < 2 {
			return drop(CodeInvalid, "short IDENT payload")
		}
		uuid := ""
		if len(f) == 3 {
			uuid = f[2]
		}
		sender.SetIdentity(f[0], f[1], uuid)
		sender.SetDisplayName(f[1], wire.NameFromIdent)
		e.R.RequestStatus("peer identified")
		return drop(CodeIdent, "")

	case rdp.VerbClientInfo:
		if e.fromUpstream(sender) {
			return drop(CodeInvalid, "CLIENTINFO from upstream")
		}
		ci, err := rdp.ParseClientInfo([]byte(payload))
		if err != nil {
			return drop(CodeInvalid, err.Error())
		}
		addr := ci.LAddr + ":" + strconv.Itoa(ci.LPort)
		if c, ok := e.R.Clients.Get(addr); ok {
			c.SetDisplayName(ci.Name, wire.NameFromClientInfo)
			e.R.RequestStatus("clientinfo learned")
		} else {
			e.Warn().Str("peer", addr).Msg("CLIENTINFO for non-connected client")
		}
		return drop(CodeClientInfo, "")

	case rdp.VerbRouterInfo:
		uuid, err := rdp.PeekUUID([]byte(payload))
		if err != nil {
			return drop(CodeInvalid, "ROUTERINFO without uuid")
		}
		e.R.Shared.StoreRouterInfo(uuid, []byte(payload))
		return Result{
			Action: Filter,
			Code:   CodeRouterInfo,
			Filter: FilterSpec{OnlyRouterPeers: true},
		}

	case rdp.VerbSharedInfo:
		return e.handleSharedInfo(payload)

	case rdp.VerbMyControls:
		return e.applyFlightControls(e.senderSimulator(sender), CodeMyControls)

	case rdp.VerbAllControlLocks:
		return e.applyFlightControls(core.AllControlLocks, CodeAllControlLocks)

	case rdp.VerbNoControlLocks:
		return e.applyFlightControls(core.NoControlLocks, CodeNoControlLocks)

	case rdp.VerbFlightControls:
		res := e.applyFlightControls(payload, CodeFlightControls)
		res.UpstreamLines = nil // relayed via SHAREDINFO, not re-emitted
		return res

	case rdp.VerbJoin:
		return Result{Action: Normal, Code: CodeJoin}
	}

	return drop(CodeInvalid, "unsupported verb "+verb)
}

// senderSimulator names the simulator a MY_CONTROLS request speaks
// for: the peer's declared identity if it is a router, ours otherwise.
func (e *Engine) senderSimulator(sender *wire.Conn) string {
	if sender.IsRouterPeer.Load() {
		if sim, _, _ := sender.Identity(); sim != "" {
			return sim
		}
	}
	return e.R.Cfg.Identity.Simulator
}

// applyFlightControls updates the pilot-flying state, schedules a
// SHAREDINFO re-emit, and synthesizes the EICAS free-message keyword
// summarizing who is flying.
func (e *Engine) applyFlightControls(identity string, code Code) Result {
	e.R.Shared.SetPilotFlying(identity)

	var msg string
	switch identity {
	case core.NoControlLocks:
		msg = eicasKeyword + "="
	case core.AllControlLocks:
		msg = eicasKeyword + "=PF: NOONE"
	default:
		short := strings.ToUpper(identity)
		if len(short) > 11 {
			short = short[:11]
		}
		msg = eicasKeyword + "=PF: " + short
	}
	// keep the cache in step with what we broadcast
	if _, v, ok := strings.Cut(msg, "="); ok {
		e.R.Cache.Update(eicasKeyword, v)
	}

	return Result{
		Action:         Drop,
		Code:           code,
		UpstreamLines:  []string{rdp.FlightControls(identity)},
		BroadcastLines: []string{msg},
	}
}

func (e *Engine) handleSharedInfo(payload string) Result {
	raw := []byte(payload)
	masterUUID, err := rdp.PeekMasterUUID(raw)
	if err != nil {
		return drop(CodeInvalid, "SHAREDINFO without master_uuid")
	}

	if e.R.Shared.Master() {
		e.Warn().Str("master_uuid", masterUUID).
			Msg("SHAREDINFO received although we are supposed to be the master")
		if e.R.Shared.ResolveMaster(e.R.UUID, masterUUID) {
			e.Warn().Msg("our uuid is higher, keeping master role")
		} else {
			e.Warn().Msg("our uuid is lower, relinquishing master role for this session")
		}
	}

	e.R.Shared.SetMasterUUID(masterUUID)
	if pf, ok := rdp.PeekPilotFlying(raw); ok {
		e.R.Shared.SetPilotFlying(pf)
	}

	return Result{
		Action: Filter,
		Code:   CodeSharedInfo,
		Filter: FilterSpec{OnlyRouterPeers: true},
	}
}

func (e *Engine) handleAuth(password string, sender *wire.Conn) Result {
	if e.fromUpstream(sender) {
		return drop(CodeInvalid, "AUTH from upstream")
	}
	if sender.HasAccess() {
		return drop(CodeAuthAlreadyHasAccess, "")
	}
	if password == "" {
		return Result{Action: Drop, Code: CodeAuthFail, CloseSender: true}
	}
	sender.ApplyPolicy(e.R.Cfg.Access, password)
	if !sender.HasAccess() {
		return Result{Action: Drop, Code: CodeAuthFail, CloseSender: true}
	}
	return Result{Action: Drop, Code: CodeAuthOK, RunWelcome: true}
}

// handleKeyValue runs a key/value update through the ingress filters,
// the cache write, and egress selection.
func (e *Engine) handleKeyValue(key, value string, sender *wire.Conn) Result {
	endpoint := "upstream"
	if sender.Kind == wire.KindClient {
		endpoint = sender.RemoteAddr()
	}
	e.R.Stats.Add(key, endpoint)

	if !keyword.IsProtocolKeyword(key) {
		// forwarded, but flagged for the log
		return Result{Action: Normal, Code: CodeNonPSX}
	}

	// ingress filters: some updates never reach the cache

	if key == tillerKeyword && e.R.Cfg.Filtering.Tiller {
		if res, filtered := e.filterTiller(value); filtered {
			return res
		}
	}

	if e.R.Cfg.PSX.FilterFlightControls &&
		!e.fromUpstream(sender) && flightControlKeywords[key] {
		switch flying := e.R.Shared.PilotFlying(); flying {
		case core.NoControlLocks:
		case core.AllControlLocks:
			return drop(CodeIngressFiltered, "all control locks in")
		default:
			if flying != e.R.Cfg.Identity.Simulator {
				return drop(CodeIngressFiltered, flying+" is pilot flying")
			}
		}
	}

	if key == acarsKeyword && !e.fromUpstream(sender) {
		// BACARS prints junk (the partial ATIS) right after starting
		if time.Since(sender.ConnectedAt) < 30*time.Second {
			if name, _ := sender.DisplayName(); bacarsRe.MatchString(name) {
				return drop(CodeIngressFiltered, "Qs119 from BACARS shortly after connect")
			}
		}
	}

	if key == elevationKeyword && !e.fromUpstream(sender) && e.R.Cfg.PSX.FilterElevation {
		return drop(CodeIngressFilteredSilent, "filter_elevation is set")
	}

	if trafficKeywords[key] && !e.fromUpstream(sender) && e.R.Cfg.PSX.FilterTraffic {
		if name, _ := sender.DisplayName(); vpilotRe.MatchString(name) {
			return drop(CodeIngressFilteredSilent, "filter_traffic is set")
		}
	}

	// accepted: the cache write and the propagation are one decision
	if err := e.R.Cache.Update(key, value); err != nil {
		return drop(CodeInvalid, err.Error())
	}

	// egress selection

	if e.R.Catalog.IsNoLong(key) {
		return Result{Action: Filter, Code: CodeEgress, Filter: FilterSpec{NoLong: true}}
	}

	if e.R.Catalog.HasMode(key, keyword.ModeSTART) && !e.R.Catalog.HasMode(key, keyword.ModeECON) {
		// within 5s of a load3 these are situ-load broadcasts and go
		// out normally; otherwise only START-awaiting clients get them
		if e.R.SinceLoad3() > 5*time.Second {
			return Result{
				Action: Filter,
				Code:   CodeEgress,
				Filter: FilterSpec{Start: true, StartKey: key},
			}
		}
	}

	return Result{Action: Normal, Code: CodeNormal}
}

// filterTiller drops sub-threshold tiller jitter away from center.
func (e *Engine) filterTiller(value string) (Result, bool) {
	newVal, err := strconv.Atoi(value)
	if err != nil {
		return Result{}, false // the cache write will reject it
	}
	cur, err := e.R.Cache.Get(tillerKeyword)
	if err != nil {
		return Result{}, false
	}
	curVal, ok := cur.(int64)
	if !ok {
		return Result{}, false
	}

	change := abs(int(curVal) - newVal)
	offCenter := abs(newVal)
	if change < e.R.Cfg.Filtering.TillerSmallestMovement &&
		offCenter > e.R.Cfg.Filtering.TillerCenter {
		return drop(CodeIngressFiltered, "tiller jitter"), true
	}
	return Result{}, false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
