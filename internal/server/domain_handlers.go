package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hiddenstate/registrar-relay/internal/httputil"
	"github.com/hiddenstate/registrar-relay/internal/purchase"
)

// purchaseWindow is how long after on-chain registration a registrar
// purchase may still be relayed. Registrations run for one year, so the
// registration instant is the event expiry minus that term.
const (
	registrationTerm = 365 * 24 * time.Hour
	purchaseWindow   = time.Hour
)

type checkDomainRequest struct {
	SLD string `json:"sld"`
}

func (s *Server) handleCheckDomain(w http.ResponseWriter, r *http.Request) {
	var req checkDomainRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	if !sldRe.MatchString(req.SLD) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid sld", req.SLD)
		return
	}
	res, err := s.registrar.Check(r.Context(), req.SLD)
	if err != nil {
		s.internalError(w, "check-domain", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

type purchaseRequest struct {
	TxHash  string `json:"txHash"`
	Domain  string `json:"domain"`
	Address string `json:"address"`
}

type purchaseResponse struct {
	Success    bool   `json:"success"`
	CreateDate string `json:"domainCreationDate,omitempty"`
	ExpiryDate string `json:"domainExpiryDate,omitempty"`
	Text       string `json:"responseText,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// handlePurchase relays an on-chain registration to the registrar: the
// caller proves a fresh NameRegistered event, the relay buys the matching
// real-world domain and kicks off certificate provisioning.
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req purchaseRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok || !txHashRe.MatchString(req.TxHash) || !common.IsHexAddress(req.Address) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", "txHash, domain, and address are required")
		return
	}

	event, err := s.oracle.RegistrationEvent(ctx, common.HexToHash(req.TxHash))
	if err != nil {
		httputil.JSONError(w, http.StatusNotFound, "registration event not found", req.TxHash)
		return
	}
	if !strings.EqualFold(event.Owner.Hex(), req.Address) {
		httputil.JSONError(w, http.StatusBadRequest, "registration event owner mismatch", event.Owner.Hex())
		return
	}
	if event.Name != sld {
		httputil.JSONError(w, http.StatusBadRequest, "registration event domain mismatch",
			event.Name+"."+s.cfg.TLD)
		return
	}
	registeredAt := event.Expires.Add(-registrationTerm)
	if time.Now().After(registeredAt.Add(purchaseWindow)) {
		httputil.JSONError(w, http.StatusBadRequest, "registration too old",
			registeredAt.Format(time.RFC3339))
		return
	}

	locked, err := s.purchases.Lock(ctx, req.Domain)
	if err != nil {
		s.internalError(w, "purchase lock", err)
		return
	}
	if !locked {
		httputil.JSONError(w, http.StatusBadRequest, "another purchase is pending", req.Domain)
		return
	}
	defer func() {
		if err := s.purchases.Unlock(ctx, req.Domain); err != nil {
			s.logger.Error("purchase unlock", zap.String("domain", req.Domain), zap.Error(err))
		}
	}()

	check, err := s.registrar.Check(ctx, sld)
	if err != nil {
		s.internalError(w, "purchase availability check", err)
		return
	}
	if !check.Available {
		httputil.JSONError(w, http.StatusBadRequest, "domain not available", check.Text)
		return
	}

	order, err := s.registrar.Purchase(ctx, sld)
	if err != nil {
		s.internalError(w, "purchase order", err)
		return
	}
	rec := &purchase.Record{
		Domain:    req.Domain,
		Owner:     req.Address,
		TxHash:    req.TxHash,
		OrderID:   order.OrderID,
		PricePaid: order.PricePaid,
		Success:   order.Success,
		ExpiresAt: event.Expires,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.purchases.Save(ctx, rec); err != nil {
		s.logger.Error("purchase record", zap.String("domain", req.Domain), zap.Error(err))
	}
	if !order.Success {
		s.logger.Error("purchase rejected by registrar",
			zap.String("domain", req.Domain),
			zap.Int("code", order.ResponseCode),
			zap.String("text", order.Text))
		httputil.JSONError(w, http.StatusInternalServerError, "purchase failed", order.Text)
		return
	}

	if _, err := s.issuer.IssueManaged(ctx, sld); err != nil {
		// The domain is bought; certificate provisioning can be retried via
		// the cert endpoints.
		s.logger.Error("managed certificate after purchase",
			zap.String("domain", req.Domain), zap.Error(err))
	}

	httputil.WriteJSON(w, http.StatusOK, purchaseResponse{
		Success:    true,
		CreateDate: order.CreateDate,
		ExpiryDate: order.ExpiryDate,
		Text:       order.Text,
		TraceID:    order.TraceID,
	})
}
