package server

import (
	"regexp"
	"strings"
)

// Request field shapes, checked before any backend work.
var (
	subdomainRe         = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)
	redirectSubdomainRe = regexp.MustCompile(`^(@|[a-z0-9-]{1,32})$`)
	signatureRe         = regexp.MustCompile(`^0x[a-fA-F0-9]{130}$`)
	targetDomainRe      = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9-.]*[a-zA-Z0-9]$`)
	targetURLRe         = regexp.MustCompile(`^(http|https)://[a-zA-Z0-9-.]+(/[/.a-zA-Z0-9-_#]*)?$`)
	txHashRe            = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	sldRe               = regexp.MustCompile(`^[a-z0-9-]{1,32}$`)
)

// validDomain checks a full domain against the configured TLD and returns
// its second-level label.
func (s *Server) validDomain(domain string) (string, bool) {
	if !s.domainRe.MatchString(domain) {
		return "", false
	}
	return strings.TrimSuffix(domain, "."+s.cfg.TLD), true
}
