// Package certmanager wraps Google Cloud Certificate Manager resources
// (DNS authorizations, certificates, certificate-map entries) behind
// deterministic, domain-derived resource IDs.
package certmanager

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Well-known certificate ID suffixes. Renewals use a time-based suffix from
// TimeSuffix instead.
const (
	SuffixWildcard = "wc"
	SuffixNaked    = "naked"
)

// timeSuffixLayout is the renewal suffix format, an ISO timestamp lowered and
// made resource-name safe (colons to hyphens).
const timeSuffixLayout = "2006-01-02t15-04-05"

// ErrAmbiguousCertID is returned when a certificate resource ID admits more
// than one (domain, suffix) decomposition.
var ErrAmbiguousCertID = errors.New("certmanager: ambiguous certificate ID")

// ErrInvalidCertID is returned when a certificate resource ID cannot be
// decomposed into (domain, suffix) at all.
var ErrInvalidCertID = errors.New("certmanager: invalid certificate ID")

// CertID identifies one certificate resource by the domain it covers and an
// optional suffix distinguishing naked/wildcard/renewal variants.
type CertID struct {
	Domain string // full domain, e.g. "ab.country"
	Suffix string // "", "wc", "naked", or a TimeSuffix value
}

// ResourceID returns the Certificate Manager resource ID: the domain with
// dots replaced by hyphens, plus "-suffix" when a suffix is set.
func (id CertID) ResourceID() string {
	rid := strings.ReplaceAll(id.Domain, ".", "-")
	if id.Suffix != "" {
		rid += "-" + id.Suffix
	}
	return rid
}

// SLD returns the second-level label of the domain.
func (id CertID) SLD() string {
	return strings.SplitN(id.Domain, ".", 2)[0]
}

// TimeSuffix builds the renewal suffix for the given time.
func TimeSuffix(t time.Time) string {
	return t.UTC().Format(timeSuffixLayout)
}

// validSuffix reports whether s is one of the suffix forms this package
// produces.
func validSuffix(s string) bool {
	if s == SuffixWildcard || s == SuffixNaked {
		return true
	}
	_, err := time.Parse(timeSuffixLayout, s)
	return err == nil
}

// ParseCertID is the inverse of CertID.ResourceID for domains under the given
// TLD. The input may be a bare resource ID or a full resource path; only the
// final path segment is considered. IDs that admit zero or more than one
// valid decomposition are rejected explicitly rather than misparsed.
func ParseCertID(tld, resource string) (CertID, error) {
	rid := resource
	if i := strings.LastIndexByte(rid, '/'); i >= 0 {
		rid = rid[i+1:]
	}
	if rid == "" {
		return CertID{}, fmt.Errorf("%w: empty", ErrInvalidCertID)
	}

	tldPart := strings.ReplaceAll(tld, ".", "-")
	marker := "-" + tldPart

	var candidates []CertID
	for i := 0; ; {
		j := strings.Index(rid[i:], marker)
		if j < 0 {
			break
		}
		j += i
		sld := rid[:j]
		rest := rid[j+len(marker):]
		if sld != "" {
			switch {
			case rest == "":
				candidates = append(candidates, CertID{Domain: sld + "." + tld})
			case strings.HasPrefix(rest, "-") && validSuffix(rest[1:]):
				candidates = append(candidates, CertID{Domain: sld + "." + tld, Suffix: rest[1:]})
			}
		}
		i = j + 1
	}

	switch len(candidates) {
	case 0:
		return CertID{}, fmt.Errorf("%w: %q under TLD %q", ErrInvalidCertID, rid, tld)
	case 1:
		return candidates[0], nil
	default:
		return CertID{}, fmt.Errorf("%w: %q under TLD %q", ErrAmbiguousCertID, rid, tld)
	}
}

// MapEntryID returns the certificate-map entry ID for a domain, prefixed
// "wc-" for the wildcard entry.
func MapEntryID(domain string, wildcard bool) string {
	rid := strings.ReplaceAll(domain, ".", "-")
	if wildcard {
		return "wc-" + rid
	}
	return rid
}
