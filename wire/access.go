package wire

import (
	"fmt"
	"net/netip"
	"strings"
)

// Level is a connection's access level. The zero value is no access:
// a client that has not matched any rule may only send an AUTH addon.
type Level int

const (
	LevelNoAccess Level = iota
	LevelBlocked
	LevelObserver
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelBlocked:
		return "blocked"
	case LevelObserver:
		return "observer"
	case LevelFull:
		return "full"
	default:
		return "noaccess"
	}
}

// ParseLevel parses an access level from the config file. Only the
// three configurable levels are accepted; noaccess is the implicit
// no-match result, never written in a rule.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "full":
		return LevelFull, nil
	case "observer":
		return LevelObserver, nil
	case "blocked":
		return LevelBlocked, nil
	}
	return LevelNoAccess, fmt.Errorf("invalid access level %q", s)
}

// Rule is one entry of the ordered access policy. A rule with networks
// only matches on IP, with a password only on password, with both set
// it requires both.
type Rule struct {
	DisplayName  string
	Networks     []netip.Prefix
	Any          bool // match_ipv4 contained "ANY"
	Password     string
	IsRouterPeer bool
	Level        Level
}

// matchIP reports whether the rule's network list covers ip. A rule
// with no network list does not match on IP at all.
func (r *Rule) matchIP(ip netip.Addr) bool {
	if r.Any {
		return true
	}
	for _, n := range r.Networks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// hasIP reports whether the rule matches on IP at all.
func (r *Rule) hasIP() bool { return r.Any || len(r.Networks) > 0 }

// Policy is the ordered access rule list; first match wins.
type Policy []Rule

// Evaluate returns the first rule matching (ip, password), or nil when
// no rule matches. An empty password never satisfies a password rule.
func (p Policy) Evaluate(ip netip.Addr, password string) *Rule {
	for i := range p {
		r := &p[i]

		passwordOK := r.Password != "" && r.Password == password

		switch {
		case r.hasIP() && r.Password == "":
			if r.matchIP(ip) {
				return r
			}
		case !r.hasIP() && r.Password != "":
			if passwordOK {
				return r
			}
		default:
			if r.matchIP(ip) && passwordOK {
				return r
			}
		}
	}
	return nil
}

// DefaultPolicy is used when the config has no [[access]] section:
// a single rule granting full access to any address.
func DefaultPolicy() Policy {
	return Policy{{
		DisplayName: "all clients allowed",
		Any:         true,
		Level:       LevelFull,
	}}
}
