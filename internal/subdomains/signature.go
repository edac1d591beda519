package subdomains

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Action names the operation a signature authorizes.
type Action string

const (
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SignedRequest is the payload covered by an owner signature.
type SignedRequest struct {
	Action    Action
	Subdomain string
	Domain    string // full domain, e.g. "ab.country"
	Target    string
	Deadline  int64 // unix seconds
}

// Message renders the exact text the wallet signs.
func (r SignedRequest) Message() string {
	return fmt.Sprintf("%s %s.%s, target: %s, deadline: %d",
		r.Action, r.Subdomain, r.Domain, r.Target, r.Deadline)
}

// RecoverSigner returns the address that personal-signed the request.
// signature is the 65-byte 0x-hex wallet output with V in {27, 28}.
func RecoverSigner(r SignedRequest, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("subdomains: decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("subdomains: signature has %d bytes, want %d",
			len(sig), crypto.SignatureLength)
	}
	// Wallets emit V as 27/28; crypto wants 0/1.
	sig = append([]byte(nil), sig...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(r.Message())), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("subdomains: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature reports whether the request was signed by any of the
// allowed addresses (the domain owner plus configured maintainers).
func VerifySignature(r SignedRequest, signature string, allowed []common.Address) bool {
	signer, err := RecoverSigner(r, signature)
	if err != nil {
		return false
	}
	for _, addr := range allowed {
		if strings.EqualFold(signer.Hex(), addr.Hex()) {
			return true
		}
	}
	return false
}
