package analysis

import (
	"net"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/mbd888/walletgate/internal/settings"
)

// Trust reason strings. They are shown to users verbatim.
const (
	reasonAllowlisted    = "Domain is on the verified list"
	reasonUserAllowed    = "You marked this site as trusted"
	reasonPunycode       = "Domain uses look-alike (punycode) characters"
	reasonDoubleHyphen   = "Domain contains repeated hyphens"
	reasonDigitDensity   = "Domain is unusually full of digits"
	reasonBrandSubdomain = "A well-known brand name appears only in the subdomain"
	reasonBrandCombined  = "A well-known brand name is combined with other words"
	reasonTyposquat      = "Domain is one or two letters away from a well-known brand"
	reasonBrandOffDomain = "A well-known brand name on a domain it does not own"
	reasonNoOrigin       = "The request has no identifiable website"
	reasonIPOrigin       = "The site is an IP address or local host"
	reasonUnverified     = "Domain is not on the verified list"
	reasonChecksDisabled = "Domain checks are turned off"
)

// AssessDomain judges how trustworthy host looks. Allowlist membership
// (exact or subdomain) wins over every lexical heuristic.
func AssessDomain(host string, s settings.Snapshot, t Tuning) TrustVerdict {
	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	v := TrustVerdict{
		Status:      TrustUnknown,
		Score:       t.UnknownScore,
		DisplayHost: displayHost(host),
	}

	if host == "" {
		v.Reasons = []string{reasonNoOrigin}
		return v
	}
	if host == "localhost" || net.ParseIP(strings.Trim(host, "[]")) != nil {
		v.Registrable = host
		v.Reasons = []string{reasonIPOrigin}
		return v
	}

	reg, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		reg = host
	}
	v.Registrable = reg

	for _, d := range t.Allowlist {
		if settings.MatchesDomain(host, d) {
			v.Status = TrustLikelyOfficial
			v.Score = t.OfficialScore
			v.Reasons = []string{reasonAllowlisted}
			return v
		}
	}
	if s.UserAllowed(host) {
		v.Status = TrustLikelyOfficial
		v.Score = t.OfficialScore
		v.UserListed = true
		v.Reasons = []string{reasonUserAllowed}
		return v
	}

	if !s.DomainChecks {
		v.Reasons = []string{reasonChecksDisabled}
		return v
	}

	if reasons := lexicalFlags(host, reg, t); len(reasons) > 0 {
		v.Status = TrustSuspicious
		v.Score = t.SuspiciousScore
		v.Reasons = reasons
		return v
	}

	v.Reasons = []string{reasonUnverified}
	return v
}

func lexicalFlags(host, reg string, t Tuning) []string {
	var reasons []string

	labels := strings.Split(host, ".")
	puny, doubleHyphen := false, false
	for _, l := range labels {
		if strings.HasPrefix(l, "xn--") {
			puny = true
			l = l[4:]
		}
		if strings.Contains(l, "--") {
			doubleHyphen = true
		}
	}
	if puny {
		reasons = append(reasons, reasonPunycode)
	}
	if doubleHyphen {
		reasons = append(reasons, reasonDoubleHyphen)
	}

	name := registrableLabel(reg)
	if digits := countDigits(name); digits >= t.MinDigitsForFlag && len(name) > 0 &&
		float64(digits)/float64(len(name)) > t.DigitDensity {
		reasons = append(reasons, reasonDigitDensity)
	}

	sub := strings.TrimSuffix(strings.TrimSuffix(host, reg), ".")
	tokens := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	for _, brand := range t.Brands {
		if name == brand {
			// allowlisted brand domains returned earlier
			reasons = appendOnce(reasons, reasonBrandOffDomain)
			continue
		}
		if sub != "" && strings.Contains(sub, brand) {
			reasons = appendOnce(reasons, reasonBrandSubdomain)
		}
		if len(tokens) > 1 {
			for _, tok := range tokens {
				if tok == brand {
					reasons = appendOnce(reasons, reasonBrandCombined)
				}
			}
		}
		if len(brand) >= 5 {
			candidates := append([]string{name}, tokens...)
			for _, c := range candidates {
				if d := levenshtein(c, brand); d > 0 && d <= t.MaxEditDistance {
					reasons = appendOnce(reasons, reasonTyposquat)
				}
			}
		}
	}
	return reasons
}

func appendOnce(list []string, s string) []string {
	for _, x := range list {
		if x == s {
			return list
		}
	}
	return append(list, s)
}

// registrableLabel strips the public suffix: "app.uniswap.org" -> "uniswap".
func registrableLabel(reg string) string {
	suffix, _ := publicsuffix.PublicSuffix(reg)
	name := strings.TrimSuffix(reg, "."+suffix)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "xn--")
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// displayHost decodes punycode so users see what the browser would render,
// with the raw form kept alongside when they differ.
func displayHost(host string) string {
	if !strings.Contains(host, "xn--") {
		return host
	}
	u, err := idna.ToUnicode(host)
	if err != nil || u == host {
		return host
	}
	return u + " (" + host + ")"
}

// levenshtein is the classic edit distance over runes.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
