// Package message parses one line of the Sim's text protocol into a
// tagged Message. Kind is the tag; consumers switch on it instead of
// re-splitting the raw line.
package message

import "strings"

// Kind tags the shape of a parsed line.
type Kind int

const (
	KindEmpty Kind = iota // blank line, or a line that failed to parse
	KindKV                // key=value
	KindBare              // a bare command word, e.g. "start"
	KindAddon             // addon=<NAMESPACE>:<rest>
)

// Message is one parsed protocol line.
type Message struct {
	Raw string // the original line, without line terminator

	Kind Kind

	Key   string // KindKV: the key. KindBare: the bare word.
	Value string // KindKV: the value.

	Namespace string // KindAddon: the namespace before the first ':'.
	Payload   string // KindAddon: everything after "<NAMESPACE>:".
}

// Parse parses one already-dechunked line (CR/LF already stripped by
// the caller). A line containing an embedded line terminator is
// rejected as invalid.
func Parse(line string) (Message, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Message{Raw: line, Kind: KindEmpty}, errInvalidMultiline
	}
	if line == "" {
		return Message{Kind: KindEmpty}, nil
	}

	if strings.HasPrefix(line, "addon=") {
		rest := line[len("addon="):]
		ns, payload, ok := strings.Cut(rest, ":")
		if !ok {
			ns, payload = rest, ""
		}
		return Message{Raw: line, Kind: KindAddon, Namespace: ns, Payload: payload}, nil
	}

	if k, v, ok := strings.Cut(line, "="); ok {
		return Message{Raw: line, Kind: KindKV, Key: k, Value: v}, nil
	}

	return Message{Raw: line, Kind: KindBare, Key: line}, nil
}

var errInvalidMultiline = multilineError{}

type multilineError struct{}

func (multilineError) Error() string { return "message: embedded line terminator" }
