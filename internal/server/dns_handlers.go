package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hiddenstate/registrar-relay/internal/httputil"
	"github.com/hiddenstate/registrar-relay/internal/subdomains"
)

type domainRequest struct {
	Domain string `json:"domain"`
}

func (s *Server) handleEnableSubdomains(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req domainRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok {
		httputil.JSONError(w, http.StatusBadRequest, "invalid domain", req.Domain)
		return
	}

	existing, err := s.subs.WildcardRecord(ctx, sld)
	if err != nil {
		s.internalError(w, "enable-subdomains lookup", err)
		return
	}
	if existing != nil {
		httputil.JSONError(w, http.StatusBadRequest, "already enabled", req.Domain)
		return
	}
	if err := s.subs.EnableWildcard(ctx, sld); err != nil {
		s.internalError(w, "enable-subdomains", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleEnableMail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req domainRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok {
		httputil.JSONError(w, http.StatusBadRequest, "invalid domain", req.Domain)
		return
	}

	expiry, err := s.oracle.NameExpires(ctx, sld)
	if err != nil {
		s.internalError(w, "enable-mail expiry", err)
		return
	}
	if expiry.IsZero() || expiry.Before(time.Now()) {
		httputil.JSONError(w, http.StatusBadRequest, "domain expired", req.Domain)
		return
	}
	if err := s.subs.EnableMail(ctx, sld); err != nil {
		if errors.Is(err, subdomains.ErrAlreadyEnabled) {
			httputil.JSONError(w, http.StatusBadRequest, "mail already enabled", req.Domain)
			return
		}
		s.internalError(w, "enable-mail", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type recordRequest struct {
	Domain       string `json:"domain"`
	Subdomain    string `json:"subdomain"`
	Signature    string `json:"signature"`
	Deadline     int64  `json:"deadline"`
	TargetDomain string `json:"targetDomain,omitempty"`
	Target       string `json:"target,omitempty"`
	DeleteRecord bool   `json:"deleteRecord,omitempty"`
}

// authorizeRecord runs the shared validation for signed record mutations:
// deadline, then an EIP-191 signature from the domain owner or a maintainer.
func (s *Server) authorizeRecord(w http.ResponseWriter, r *http.Request, req *recordRequest, sld, target string) bool {
	if !signatureRe.MatchString(req.Signature) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid signature", req.Signature)
		return false
	}
	if time.Now().Unix() >= req.Deadline {
		httputil.JSONError(w, http.StatusBadRequest, "deadline exceeded", "")
		return false
	}

	owner, err := s.oracle.OwnerOf(r.Context(), sld)
	if err != nil {
		s.internalError(w, "owner lookup", err)
		return false
	}
	action := subdomains.ActionUpdate
	if req.DeleteRecord {
		action = subdomains.ActionDelete
	}
	signed := subdomains.SignedRequest{
		Action:    action,
		Subdomain: req.Subdomain,
		Domain:    req.Domain,
		Target:    target,
		Deadline:  req.Deadline,
	}
	allowed := append([]common.Address{owner}, s.maintainers...)
	if !subdomains.VerifySignature(signed, req.Signature, allowed) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid signature", req.Signature)
		return false
	}
	return true
}

func (s *Server) handleCNAME(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req recordRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok {
		httputil.JSONError(w, http.StatusBadRequest, "invalid domain", req.Domain)
		return
	}
	if !subdomainRe.MatchString(req.Subdomain) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid subdomain", req.Subdomain)
		return
	}
	if !req.DeleteRecord && !targetDomainRe.MatchString(req.TargetDomain) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid target domain", req.TargetDomain)
		return
	}
	if !s.authorizeRecord(w, r, &req, sld, req.TargetDomain) {
		return
	}

	target := req.TargetDomain
	if req.DeleteRecord {
		target = ""
	}
	if err := s.subs.SetCNAME(ctx, sld, req.Subdomain, target); err != nil {
		s.internalError(w, "cname", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true, "deleteRecord": req.DeleteRecord})
}

func (s *Server) handleRedirect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req recordRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok {
		httputil.JSONError(w, http.StatusBadRequest, "invalid domain", req.Domain)
		return
	}
	if !redirectSubdomainRe.MatchString(req.Subdomain) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid subdomain", req.Subdomain)
		return
	}
	if !req.DeleteRecord && !targetURLRe.MatchString(req.Target) {
		httputil.JSONError(w, http.StatusBadRequest, "invalid target", req.Target)
		return
	}
	if !s.authorizeRecord(w, r, &req, sld, req.Target) {
		return
	}

	target := req.Target
	if req.DeleteRecord {
		target = ""
	}
	err := s.subs.SetRedirect(ctx, sld, req.Subdomain, target)
	if err != nil {
		if errors.Is(err, subdomains.ErrReservedSubdomain) {
			httputil.JSONError(w, http.StatusBadRequest, "reserved subdomain", req.Subdomain)
			return
		}
		s.internalError(w, "redirect", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"success": true, "deleteRecord": req.DeleteRecord})
}
