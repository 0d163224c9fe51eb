// Package inspect parses and validates item inspect links.
//
// An inspect link identifies one econ item either by its owner
// (S<owner>A<asset>D<token>) or by the market listing it is attached to
// (M<listing>A<asset>D<token>). Ids are 64-bit unsigned and are kept as
// strings end to end to avoid precision loss at the JSON boundary.
package inspect

import (
	"fmt"
	"net/url"
	"regexp"
)

var (
	linkRe   = regexp.MustCompile(`^steam://rungame/730/\d+/\+csgo_econ_action_preview(?: |%20)([SM])(\d+)A(\d+)D(\d+)$`)
	paramsRe = regexp.MustCompile(`^([SM])(\d+)A(\d+)D(\d+)$`)
	digitsRe = regexp.MustCompile(`^\d+$`)
)

// Link is an immutable, validated inspect reference.
type Link struct {
	S string // owner id, empty for market links
	A string // asset id
	D string // inspect token
	M string // market listing id, empty for owned items
}

// Parse accepts a full inspect URL or a bare S…A…D… / M…A…D… parameter
// block and returns the canonical Link.
func Parse(raw string) (Link, error) {
	if dec, err := url.QueryUnescape(raw); err == nil {
		raw = dec
	}
	m := linkRe.FindStringSubmatch(raw)
	if m == nil {
		m = paramsRe.FindStringSubmatch(raw)
	}
	if m == nil {
		return Link{}, fmt.Errorf("inspect: unrecognized link %q", raw)
	}
	l := Link{A: m[3], D: m[4]}
	if m[1] == "S" {
		l.S = m[2]
	} else {
		l.M = m[2]
	}
	return l, nil
}

// FromParams builds a Link from individual query values.
func FromParams(s, a, d, m string) (Link, error) {
	l := Link{S: s, A: a, D: d, M: m}
	if !l.Valid() {
		return Link{}, fmt.Errorf("inspect: invalid params s=%q a=%q d=%q m=%q", s, a, d, m)
	}
	return l, nil
}

// Valid reports whether the link carries an asset id, a token and exactly
// one of owner id or market id, all numeric.
func (l Link) Valid() bool {
	if !digitsRe.MatchString(l.A) || !digitsRe.MatchString(l.D) {
		return false
	}
	hasS := l.S != ""
	hasM := l.M != ""
	if hasS == hasM {
		return false
	}
	if hasS && !digitsRe.MatchString(l.S) {
		return false
	}
	if hasM && !digitsRe.MatchString(l.M) {
		return false
	}
	return true
}

// IsMarketLink reports whether the link points at a market listing.
func (l Link) IsMarketLink() bool { return l.M != "" }

func (l Link) String() string {
	if l.IsMarketLink() {
		return fmt.Sprintf("M%sA%sD%s", l.M, l.A, l.D)
	}
	return fmt.Sprintf("S%sA%sD%s", l.S, l.A, l.D)
}
