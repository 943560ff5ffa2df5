package browser

import (
	"fmt"
	"net/url"
	"strings"
)

// URLPolicy decides which URLs the driver may navigate to.
type URLPolicy struct {
	AllowedSchemes []string
	BlockedDomains []string
}

// DefaultPolicy permits http and https and blocks nothing.
func DefaultPolicy() URLPolicy {
	return URLPolicy{AllowedSchemes: []string{"http", "https"}}
}

// Validate returns a typed error when the URL is malformed or disallowed.
func (p URLPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &Error{Code: ErrCodeValidation, Message: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Host == "" {
		return &Error{Code: ErrCodeValidation, Message: "URL has no host"}
	}

	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, s := range p.AllowedSchemes {
		if scheme == strings.ToLower(s) {
			allowed = true
			break
		}
	}
	if !allowed {
		return &Error{Code: ErrCodeBlocked, Message: fmt.Sprintf("scheme %q is not allowed", scheme)}
	}

	host := strings.ToLower(u.Hostname())
	for _, d := range p.BlockedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return &Error{Code: ErrCodeBlocked, Message: fmt.Sprintf("domain %q is blocked", host)}
		}
	}
	return nil
}
