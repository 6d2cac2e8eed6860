package render

import "strings"

const (
	DefaultCountryCode    = "91"
	DefaultNationalLength = 10
)

// Normalizer canonicalizes phone numbers to international digits without a
// plus sign. Normalize is idempotent.
type Normalizer struct {
	// CountryCode is prepended to national numbers.
	CountryCode string
	// NationalLength is the digit count of a national number.
	NationalLength int
	// Prefixes are extra country codes accepted as already international.
	Prefixes []string
}

func NewNormalizer(countryCode string, extraPrefixes ...string) Normalizer {
	cc := digitsOnly(countryCode)
	if cc == "" {
		cc = DefaultCountryCode
	}
	var px []string
	for _, p := range extraPrefixes {
		if p = digitsOnly(p); p != "" {
			px = append(px, p)
		}
	}
	return Normalizer{CountryCode: cc, NationalLength: DefaultNationalLength, Prefixes: px}
}

// Normalize strips formatting and an international "00" prefix (only when
// what follows is longer than a national number), then
// prepends the country code when the number is not already international.
// Numbers shorter than a national number are returned as digits without a
// country code; prefixing them could create a national-length number that a
// second pass would prefix again.
func (n Normalizer) Normalize(raw string) string {
	natLen := n.NationalLength
	if natLen <= 0 {
		natLen = DefaultNationalLength
	}
	d := digitsOnly(raw)
	if len(d) > natLen+2 && strings.HasPrefix(d, "00") {
		d = d[2:]
	}
	if d == "" {
		return ""
	}
	cc := n.CountryCode
	if cc == "" {
		cc = DefaultCountryCode
	}

	switch {
	case len(d) < natLen:
		return d
	case len(d) == natLen:
		return cc + d
	case n.recognized(d, cc):
		return d
	default:
		return cc + d
	}
}

func (n Normalizer) recognized(d, cc string) bool {
	if strings.HasPrefix(d, cc) {
		return true
	}
	for _, p := range n.Prefixes {
		if strings.HasPrefix(d, p) {
			return true
		}
	}
	return false
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
