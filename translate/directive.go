// Package translate converts between wire text and directive values.
package translate

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/bravos/lockagent"
)

// Kind identifies an inbound directive.
type Kind int

const (
	KindUnknown Kind = iota
	KindGranted
	KindBlock
	KindShutdown
	KindDenied
)

func (k Kind) String() string {
	switch k {
	case KindGranted:
		return "GRANTED"
	case KindBlock:
		return "BLOCK"
	case KindShutdown:
		return "SHUTDOWN"
	case KindDenied:
		return "DENIED"
	default:
		return "UNKNOWN"
	}
}

const (
	prefixGranted  = "GRANTED:"
	prefixBlock    = "BLOCK:"
	prefixShutdown = "SHUTDOWN:"
	textDenied     = "DENIED"

	prefixPassword = "PASSWORD:"
	textBlocked    = "BLOCKED"
)

// Directive is one parsed inbound message.
type Directive struct {
	Kind    Kind
	Seconds int
	// Arg is the raw text after the prefix, kept for logging.
	Arg string
	// Malformed is set when Arg was not an integer in [0, MaxInt32] and Seconds fell back to 0.
	Malformed bool
	Raw       string
}

// Parse decodes a single message. Matching is case-sensitive and the first matching
// prefix wins. Unrecognized text yields KindUnknown, never an error.
func Parse(msg string) Directive {
	d := Directive{Raw: msg}
	switch {
	case strings.HasPrefix(msg, prefixGranted):
		d.Kind = KindGranted
		d.Arg = msg[len(prefixGranted):]
	case strings.HasPrefix(msg, prefixBlock):
		d.Kind = KindBlock
		d.Arg = msg[len(prefixBlock):]
	case strings.HasPrefix(msg, prefixShutdown):
		d.Kind = KindShutdown
		d.Arg = msg[len(prefixShutdown):]
	case msg == textDenied:
		d.Kind = KindDenied
		return d
	default:
		return d
	}
	d.Seconds, d.Malformed = parseSeconds(d.Arg)
	return d
}

// Err reports ErrUnknownDirective for unrecognized text.
func (d Directive) Err() error {
	if d.Kind == KindUnknown {
		return fmt.Errorf("%w: %q", lockagent.ErrUnknownDirective, d.Raw)
	}
	return nil
}

// parseSeconds accepts only the whole argument as a decimal in [0, MaxInt32];
// trailing garbage such as "30abc" is malformed.
func parseSeconds(s string) (int, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 || n > math.MaxInt32 {
		return 0, true
	}
	return int(n), false
}

// Granted builds the directive equivalent of a local grant.
func Granted(seconds int) Directive {
	return Directive{Kind: KindGranted, Seconds: seconds, Arg: strconv.Itoa(seconds), Raw: prefixGranted + strconv.Itoa(seconds)}
}

// Denied builds the directive equivalent of a local rejection.
func Denied() Directive {
	return Directive{Kind: KindDenied, Raw: textDenied}
}

// Password builds the outbound password submission.
func Password(text string) (string, error) {
	if text == "" {
		return "", lockagent.ErrEmptyPassword
	}
	return prefixPassword + text, nil
}

// Blocked builds the outbound lock notification.
func Blocked() string { return textBlocked }
