// Package subdomains manages owner-controlled DNS records beneath a
// registered domain: the wildcard app record, the mail record, CNAMEs, and
// HTTP redirects, all gated by EIP-191 owner signatures.
package subdomains

import "regexp"

var validName = regexp.MustCompile(`^[a-z0-9]+$`)

// specialNames are short labels exempted from the reservation rule.
var specialNames = map[string]struct{}{
	"s": {}, "0": {}, "1": {}, "li": {}, "ml": {}, "ba": {},
}

// IsReservedName reports whether a label is held back from general use:
// one- and two-character alphanumeric names are reserved unless whitelisted.
func IsReservedName(name string) bool {
	if !validName.MatchString(name) {
		return false
	}
	if _, ok := specialNames[name]; ok {
		return false
	}
	return len(name) <= 2
}
