// Package dnszone is the Redis-backed DNS record store consumed by the
// authoritative CoreDNS-Redis server. Each zone is a Redis hash keyed by the
// trailing-dot FQDN; each hash field maps a record name to a JSON record set.
package dnszone

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ARecord is an address record entry.
type ARecord struct {
	IP  string `json:"ip"`
	TTL int    `json:"ttl"`
}

// CNAMERecord is an alias record entry.
type CNAMERecord struct {
	Host string `json:"host"`
	TTL  int    `json:"ttl"`
}

// TXTRecord is a text record entry.
type TXTRecord struct {
	Text string `json:"text"`
	TTL  int    `json:"ttl"`
}

// CAARecord restricts which certificate authorities may issue for the zone.
type CAARecord struct {
	Flag  int    `json:"flag"`
	Tag   string `json:"tag"`
	Value string `json:"value"`
	TTL   int    `json:"ttl"`
}

// SOARecord is the start-of-authority record published at the zone apex.
// Field casing follows the CoreDNS-Redis plugin's expected JSON.
type SOARecord struct {
	NS      string `json:"ns"`
	MBox    string `json:"MBox"`
	Refresh int    `json:"refresh"`
	Retry   int    `json:"retry"`
	Expire  int    `json:"expire"`
	MinTTL  int    `json:"minttl"`
	TTL     int    `json:"ttl"`
}

// RecordSet is the full set of records stored under one name in a zone.
type RecordSet struct {
	A     []ARecord     `json:"a,omitempty"`
	CNAME []CNAMERecord `json:"cname,omitempty"`
	TXT   []TXTRecord   `json:"txt,omitempty"`
	CAA   []CAARecord   `json:"caa,omitempty"`
	SOA   *SOARecord    `json:"soa,omitempty"`
}

// ErrCNAMEConflict is returned when a record set mixes CNAME with other types.
var ErrCNAMEConflict = errors.New("dnszone: CNAME cannot coexist with other record types")

// Empty reports whether the record set holds no data.
func (rs *RecordSet) Empty() bool {
	return rs == nil ||
		(len(rs.A) == 0 && len(rs.CNAME) == 0 && len(rs.TXT) == 0 &&
			len(rs.CAA) == 0 && rs.SOA == nil)
}

// Validate enforces the record-shape invariant: a name holds either a CNAME
// set or other record types, never both. The apex may carry A, CAA, and SOA
// simultaneously.
func (rs *RecordSet) Validate() error {
	if len(rs.CNAME) > 0 &&
		(len(rs.A) > 0 || len(rs.TXT) > 0 || len(rs.CAA) > 0 || rs.SOA != nil) {
		return ErrCNAMEConflict
	}
	return nil
}

// Marshal encodes the record set to its Redis wire form.
func (rs *RecordSet) Marshal() ([]byte, error) {
	b, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("dnszone: marshal record set: %w", err)
	}
	return b, nil
}

// UnmarshalRecordSet decodes a record set from its Redis wire form.
func UnmarshalRecordSet(data []byte) (*RecordSet, error) {
	var rs RecordSet
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("dnszone: unmarshal record set: %w", err)
	}
	return &rs, nil
}
