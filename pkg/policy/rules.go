package policy

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	DefaultBlockedDomains  = []string{"google.com", "youtube.com"}
	DefaultBlockedKeywords = []string{"tracking", "spyware"}
)

// Rules holds the blocklists the proxy applies to every request.
// Rules are fixed at startup and safe for concurrent use since they are never mutated.
type Rules struct {
	// Blocked domain terms.
	// A term blocks a target if it occurs anywhere in the target URL string
	// (host, path, query...). No hostname parsing or DNS awareness is involved.
	Domains []string `yaml:"blockedDomains"`
	// Blocked content keywords.
	// Matched case-sensitively as raw bytes against the response body.
	Keywords []string `yaml:"blockedKeywords"`
}

// DefaultRules returns the default blocklists.
func DefaultRules() Rules {
	return Rules{
		Domains:  append([]string(nil), DefaultBlockedDomains...),
		Keywords: append([]string(nil), DefaultBlockedKeywords...),
	}
}

// DomainBlocked reports whether the target contains any of the blocked domain terms.
// The first matching term is returned along with the result.
func (r Rules) DomainBlocked(target string) (string, bool) {
	for _, domain := range r.Domains {
		if domain == "" {
			continue
		}
		if strings.Contains(target, domain) {
			log.Trace().Str("target", target).Str("domain", domain).Msg("Domain rule matched")
			return domain, true
		}
	}
	return "", false
}

// ContentBlocked reports whether the body contains any of the blocked keywords.
// It stops at the first match and returns the keyword that matched.
func (r Rules) ContentBlocked(body []byte) (string, bool) {
	for _, keyword := range r.Keywords {
		if keyword == "" {
			continue
		}
		if bytes.Contains(body, []byte(keyword)) {
			log.Trace().Str("keyword", keyword).Msg("Content rule matched")
			return keyword, true
		}
	}
	return "", false
}
