// Package rdp implements the router discovery sub-protocol spoken
// between cooperating routers: addon=FRANKENROUTER:<version>:<verb>
// messages for liveness, identity, authentication and cluster-wide
// shared state, plus the periodic scheduler that drives them.
package rdp

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/valyala/fastrand"
)

// Namespace is the addon namespace owned by the router.
const Namespace = "FRANKENROUTER"

// Version is the protocol version; a peer speaking any other version
// is disconnected.
const Version = 1

// Protocol verbs.
const (
	VerbPing            = "PING"
	VerbPong            = "PONG"
	VerbIdent           = "IDENT"
	VerbMyControls      = "MY_CONTROLS"
	VerbAllControlLocks = "ALL_CONTROL_LOCKS"
	VerbNoControlLocks  = "NO_CONTROL_LOCKS"
	VerbFlightControls  = "FLIGHTCONTROLS"
	VerbJoin            = "JOIN"
	VerbClientInfo      = "CLIENTINFO"
	VerbRouterInfo      = "ROUTERINFO"
	VerbSharedInfo      = "SHAREDINFO"
	VerbAuth            = "AUTH"
)

// NameRe recognizes another router's name= self-identification,
// whatever implementation suffix it carries.
var NameRe = regexp.MustCompile(`.*:FRANKEN\.[A-Za-z0-9]+ frankenrouter`)

// Line builds one protocol line: addon=FRANKENROUTER:<version>:<verb>
// with optional colon-separated fields.
func Line(verb string, fields ...string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "addon=%s:%d:%s", Namespace, Version, verb)
	for _, f := range fields {
		sb.WriteByte(':')
		sb.WriteString(f)
	}
	return sb.String()
}

// Ping builds a PING with the given request id.
func Ping(requestID string) string { return Line(VerbPing, requestID) }

// Pong builds the PONG answering request id.
func Pong(requestID string) string { return Line(VerbPong, requestID) }

// Ident announces our simulator identity, router identity and uuid.
func Ident(sim, router, uuid string) string { return Line(VerbIdent, sim, router, uuid) }

// Auth carries the upstream password.
func Auth(password string) string { return Line(VerbAuth, password) }

// Join announces this router joining under an upstream router.
func Join(sim, router, uuid, upstreamUUID string) string {
	return Line(VerbJoin, sim, router, uuid, upstreamUUID)
}

// FlightControls announces a pilot-flying change: a sim identity or
// one of the control-lock sentinels.
func FlightControls(identity string) string { return Line(VerbFlightControls, identity) }

// SelfName is the name= line that lets a peer router recognize us as a
// router rather than an ordinary client.
func SelfName(router, sim string) string {
	return fmt.Sprintf("name=%s:FRANKEN.GO frankenrouter PSX router %s in %s",
		router, router, sim)
}

// NewRequestID returns a random id for a PING.
func NewRequestID() string {
	const alnum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	var b [16]byte
	for i := range b {
		b[i] = alnum[fastrand.Uint32n(uint32(len(alnum)))]
	}
	return string(b[:])
}

// SplitVersion extracts the leading protocol-version integer from an
// addon payload. Peers predating the version field yield version 0.
func SplitVersion(payload string) (version int, rest string) {
	v, rest, ok := strings.Cut(payload, ":")
	if !ok {
		rest = ""
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, payload
	}
	return n, rest
}

// SplitVerb separates the verb from its payload.
func SplitVerb(rest string) (verb, payload string) {
	verb, payload, _ = strings.Cut(rest, ":")
	return verb, payload
}

// ClientInfo is the payload of a CLIENTINFO message: a helper process
// naming a local client identified only by its socket address.
type ClientInfo struct {
	LAddr string
	LPort int
	Name  string
}

// ParseClientInfo picks the CLIENTINFO fields out of the JSON payload.
func ParseClientInfo(data []byte) (ClientInfo, error) {
	var ci ClientInfo
	var err error
	if ci.LAddr, err = jsonparser.GetString(data, "laddr"); err != nil {
		return ci, fmt.Errorf("clientinfo: %w", err)
	}
	port, err := jsonparser.GetInt(data, "lport")
	if err != nil {
		return ci, fmt.Errorf("clientinfo: %w", err)
	}
	ci.LPort = int(port)
	if ci.Name, err = jsonparser.GetString(data, "name"); err != nil {
		return ci, fmt.Errorf("clientinfo: %w", err)
	}
	return ci, nil
}

// PeekUUID extracts the uuid field of a ROUTERINFO payload without a
// full unmarshal.
func PeekUUID(data []byte) (string, error) {
	return jsonparser.GetString(data, "uuid")
}

// PeekMasterUUID extracts the master_uuid field of a SHAREDINFO
// payload.
func PeekMasterUUID(data []byte) (string, error) {
	return jsonparser.GetString(data, "master_uuid")
}

// PeekPilotFlying extracts the pilot_flying_simulator field of a
// SHAREDINFO payload, if present.
func PeekPilotFlying(data []byte) (string, bool) {
	v, err := jsonparser.GetString(data, "pilot_flying_simulator")
	return v, err == nil
}

// sharedInfoPayload is what we gossip as SHAREDINFO.
type sharedInfoPayload struct {
	MasterUUID  string `json:"master_uuid"`
	PilotFlying string `json:"pilot_flying_simulator"`
}

// SharedInfo builds a SHAREDINFO line for the master to disseminate.
func SharedInfo(masterUUID, pilotFlying string) string {
	raw, _ := json.Marshal(sharedInfoPayload{
		MasterUUID:  masterUUID,
		PilotFlying: pilotFlying,
	})
	return Line(VerbSharedInfo, string(raw))
}

// routerInfoPayload is what we gossip as ROUTERINFO.
type routerInfoPayload struct {
	UUID      string `json:"uuid"`
	Router    string `json:"router"`
	Simulator string `json:"simulator"`
	Clients   int    `json:"clients"`
	Upstream  string `json:"upstream"`
}

// RouterInfo builds our own ROUTERINFO gossip line.
func RouterInfo(uuid, router, sim string, clients int, upstream string) string {
	raw, _ := json.Marshal(routerInfoPayload{
		UUID:      uuid,
		Router:    router,
		Simulator: sim,
		Clients:   clients,
		Upstream:  upstream,
	})
	return Line(VerbRouterInfo, string(raw))
}
