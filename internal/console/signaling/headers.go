package signaling

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/sebas/callconsole/internal/console/session"
)

// Custom headers carried on inbound INVITEs.
const (
	HeaderClientID      = "X-Client-Id"
	HeaderClientName    = "X-Client-Name"
	HeaderClientNumber  = "X-Client-Number"
	HeaderDealerChannel = "X-Dealer-Channel"
)

const (
	maxIDLen     = 64
	maxNameLen   = 128
	maxNumberLen = 32
)

// FieldError records a header that was present but unusable.
type FieldError struct {
	Header string
	Value  string
	Reason string
}

// Error returns the error message.
func (e FieldError) Error() string {
	return fmt.Sprintf("header %s=%q: %s", e.Header, e.Value, e.Reason)
}

// Headers is a case-insensitive view over inbound header values.
type Headers map[string]string

// Get returns the value for name regardless of case.
func (h Headers) Get(name string) (string, bool) {
	if v, ok := h[name]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// ParseRemoteParty extracts the caller identity from custom headers. A
// missing header leaves the field empty; a malformed one leaves it empty
// and is reported in the returned slice. When no usable number header is
// present, fromUser is used if it looks like a phone number.
func ParseRemoteParty(h Headers, fromUser string) (session.RemoteParty, []FieldError) {
	var (
		rp   session.RemoteParty
		errs []FieldError
	)

	take := func(name string, parse func(string) (string, string)) string {
		raw, ok := h.Get(name)
		if !ok {
			return ""
		}
		v, reason := parse(raw)
		if reason != "" {
			errs = append(errs, FieldError{Header: name, Value: raw, Reason: reason})
			return ""
		}
		return v
	}

	rp.ClientID = take(HeaderClientID, parseToken(maxIDLen))
	rp.ClientName = take(HeaderClientName, parseName)
	rp.ClientNumber = take(HeaderClientNumber, parseNumber)
	rp.DealerChannel = take(HeaderDealerChannel, parseToken(maxIDLen))

	if rp.ClientNumber == "" && fromUser != "" {
		if n, reason := parseNumber(fromUser); reason == "" {
			rp.ClientNumber = n
		}
	}
	return rp, errs
}

func parseToken(limit int) func(string) (string, string) {
	return func(raw string) (string, string) {
		v := strings.TrimSpace(raw)
		if v == "" {
			return "", "empty"
		}
		if len(v) > limit {
			return "", "too long"
		}
		for _, r := range v {
			if unicode.IsSpace(r) || !unicode.IsPrint(r) {
				return "", "invalid character"
			}
		}
		return v, ""
	}
}

func parseName(raw string) (string, string) {
	v := strings.TrimSpace(raw)
	if strings.Contains(v, "%") {
		decoded, err := url.PathUnescape(v)
		if err != nil {
			return "", "bad percent encoding"
		}
		v = strings.TrimSpace(decoded)
	}
	v = strings.Trim(v, `"`)
	if v == "" {
		return "", "empty"
	}
	if len(v) > maxNameLen {
		return "", "too long"
	}
	for _, r := range v {
		if !unicode.IsPrint(r) {
			return "", "invalid character"
		}
	}
	return v, ""
}

func parseNumber(raw string) (string, string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", "empty"
	}
	var b strings.Builder
	digits := 0
	for i, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", "not a phone number"
		}
	}
	if digits == 0 {
		return "", "no digits"
	}
	if b.Len() > maxNumberLen {
		return "", "too long"
	}
	return b.String(), ""
}
