// Package keyword classifies protocol keywords by prefix. This runs
// for every received message, so every check is a byte-prefix test or
// a small dispatch table, never a regexp.
package keyword

import "strings"

// Type is the wire value type a keyword's prefix mandates.
type Type int

const (
	TypeNone   Type = iota // not a typed Q*/L* keyword
	TypeInt                // Qi*, Qh*, Li*, Lh*
	TypeString             // Qs*, Qd*, Ls*
)

// Mode is the Sim's variable mode, assigned by the Variable Catalog.
type Mode int

const (
	ModeNone Mode = iota
	ModeECON
	ModeDELTA
	ModeSTART
	ModeXECON
	ModeDEMAND
	ModeXDELTA
	ModeMCPMOM
	ModeBIGMOM
	ModeGUAMOM4
	ModeGUAMOM2
	ModeCDUKEYB
	ModeRCP
	ModeACP
	ModeMIXED
)

var modeNames = map[string]Mode{
	"ECON":    ModeECON,
	"DELTA":   ModeDELTA,
	"START":   ModeSTART,
	"XECON":   ModeXECON,
	"DEMAND":  ModeDEMAND,
	"XDELTA":  ModeXDELTA,
	"MCPMOM":  ModeMCPMOM,
	"BIGMOM":  ModeBIGMOM,
	"GUAMOM4": ModeGUAMOM4,
	"GUAMOM2": ModeGUAMOM2,
	"CDUKEYB": ModeCDUKEYB,
	"RCP":     ModeRCP,
	"ACP":     ModeACP,
	"MIXED":   ModeMIXED,
}

// ParseMode converts a catalog "Mode=" value into a Mode. An unknown
// mode value is a parse failure.
func ParseMode(s string) (Mode, bool) {
	m, ok := modeNames[strings.ToUpper(strings.TrimSpace(s))]
	return m, ok
}

func (m Mode) String() string {
	for name, v := range modeNames {
		if v == m {
			return name
		}
	}
	return "NONE"
}

// reserved bare command words of the wire protocol
var reservedBare = map[string]bool{
	"load1": true, "load2": true, "load3": true,
	"start": true, "bang": true, "again": true, "exit": true,
	"nolong": true, "pleaseBeSoKindAndQuit": true, "layout": true,
}

// allowlisted non-prefixed keys the Sim also speaks
var allowlistedKeys = map[string]bool{
	"id": true, "version": true, "layout": true, "metar": true,
	"name": true, "clientName": true, "demand": true, "gid": true,
	"lexicon": true, "keepalive": true,
}

// IsReservedBare reports whether s is one of the reserved bare command words.
func IsReservedBare(s string) bool { return reservedBare[s] }

// IsAllowlistedKey reports whether s is a non-prefixed key the Router
// still recognizes as a protocol keyword.
func IsAllowlistedKey(s string) bool { return allowlistedKeys[s] }

// TypeOf returns the wire type a keyword's prefix mandates, by inspecting
// only the first two bytes -- this is the hot path and must stay
// allocation-free and regexp-free.
func TypeOf(k string) Type {
	if len(k) < 2 {
		return TypeNone
	}
	switch k[0] {
	case 'Q':
		switch k[1] {
		case 'i', 'h':
			return TypeInt
		case 's', 'd':
			return TypeString
		}
	case 'L':
		switch k[1] {
		case 'i', 'h':
			return TypeInt
		case 's':
			return TypeString
		}
	}
	return TypeNone
}

// IsProtocolKeyword reports whether s is a keyword the Router treats
// specially: a Q*/L* prefixed variable, a reserved bare word, or an
// allowlisted non-prefixed key.
func IsProtocolKeyword(s string) bool {
	if len(s) == 0 {
		return false
	}
	if TypeOf(s) != TypeNone {
		return true
	}
	if reservedBare[s] {
		return true
	}
	return allowlistedKeys[s]
}

// HasPrefixQ reports whether k is any Q[s|h|i|d]<n> keyword.
func HasPrefixQ(k string) bool {
	return len(k) > 1 && k[0] == 'Q' && strings.ContainsRune("shid", rune(k[1]))
}

// HasPrefixL reports whether k is any L[s|h|i]<n> keyword.
func HasPrefixL(k string) bool {
	return len(k) > 1 && k[0] == 'L' && strings.ContainsRune("shi", rune(k[1]))
}
