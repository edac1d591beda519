// Package registrar fronts the upstream domain registrars (Enom, Namecheap)
// behind one client interface. Both registrars speak query-string APIs with
// XML responses.
package registrar

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/config"
)

// CheckResult is a domain availability answer.
type CheckResult struct {
	Available  bool    `json:"isAvailable"`
	Reserved   bool    `json:"isReserved"`
	Registered bool    `json:"isRegistered"`
	RegPrice   float64 `json:"regPrice"`
	RenewPrice float64 `json:"renewPrice"`
	Text       string  `json:"responseText"`
}

// PurchaseResult reports the outcome of a registration order.
type PurchaseResult struct {
	Success      bool    `json:"success"`
	PricePaid    float64 `json:"pricePaid"`
	OrderID      string  `json:"orderId"`
	CreateDate   string  `json:"domainCreationDate,omitempty"`
	ExpiryDate   string  `json:"domainExpiryDate,omitempty"`
	ResponseCode int     `json:"responseCode"`
	Text         string  `json:"responseText"`
	TraceID      string  `json:"traceId,omitempty"`
}

// RenewResult reports the outcome of a renewal order.
type RenewResult struct {
	Success   bool    `json:"success"`
	PricePaid float64 `json:"pricePaid"`
	OrderID   string  `json:"orderId"`
	Text      string  `json:"responseText"`
}

// Client is a registrar backend.
type Client interface {
	// Check reports availability and pricing for sld under the configured
	// TLD.
	Check(ctx context.Context, sld string) (*CheckResult, error)
	// Purchase registers the domain with the configured registrant and
	// nameservers.
	Purchase(ctx context.Context, sld string) (*PurchaseResult, error)
	// Renew extends the registration by the given number of years.
	Renew(ctx context.Context, sld string, years int) (*RenewResult, error)
}

// maxRegPrice caps the registration price the relay will buy at. Premium
// pricing above this means the registry is holding the name.
const maxRegPrice = 50

// New selects the registrar backend named in the config.
func New(tld string, cfg config.RegistrarConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case "enom":
		return NewEnom(tld, cfg, logger), nil
	case "namecheap":
		return NewNamecheap(tld, cfg, logger), nil
	default:
		return nil, fmt.Errorf("registrar: unknown provider %q", cfg.Provider)
	}
}
