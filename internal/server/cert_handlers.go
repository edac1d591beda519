package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hiddenstate/registrar-relay/internal/acme"
	"github.com/hiddenstate/registrar-relay/internal/certjobs"
	"github.com/hiddenstate/registrar-relay/internal/httputil"
)

type certRequest struct {
	Domain   string `json:"domain"`
	Wildcard bool   `json:"wc"`
	Renew    bool   `json:"renew"`
	Async    bool   `json:"async"`
}

type certResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId,omitempty"`
	CertID  string `json:"certId,omitempty"`
}

// handleCert issues a certificate for the domain, either synchronously or as
// a background job when async is set.
func (s *Server) handleCert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req certRequest
	if err := httputil.BindJSON(r, &req); err != nil {
		httputil.JSONError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}
	sld, ok := s.validDomain(req.Domain)
	if !ok {
		httputil.JSONError(w, http.StatusBadRequest, "invalid domain", req.Domain)
		return
	}

	if req.Async {
		job, err := s.sched.Schedule(ctx, sld, req.Wildcard, req.Renew)
		if err != nil {
			s.internalError(w, "cert schedule", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, certResponse{Success: true, JobID: job.ID})
		return
	}

	var certID string
	var err error
	if req.Renew {
		certID, err = s.issuer.Renew(ctx, sld)
	} else {
		mode := acme.ModeNakedOnly
		if req.Wildcard {
			mode = acme.ModeWildcardOnly
		}
		certID, err = s.issuer.Issue(ctx, sld, mode)
	}
	if err != nil {
		s.internalError(w, "cert issue", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, certResponse{Success: true, CertID: certID})
}

func (s *Server) handleCertJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.LookupByJobID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.internalError(w, "cert job lookup", err)
		return
	}
	if job == nil {
		httputil.JSONError(w, http.StatusNotFound, "job not found", "")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

// handleCertJobs lists jobs still in flight, projected to their public
// fields. Error detail and completed jobs are only visible through the by-ID
// endpoint. With the sld (and optional wc) query parameters the listing
// narrows to the pending job for that domain.
func (s *Server) handleCertJobs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	public := []certjobs.Public{}

	if sld := r.URL.Query().Get("sld"); sld != "" {
		if !sldRe.MatchString(sld) {
			httputil.JSONError(w, http.StatusBadRequest, "invalid sld", sld)
			return
		}
		job, err := s.sched.Lookup(ctx, sld, r.URL.Query().Get("wc") == "true")
		if err != nil {
			s.internalError(w, "cert job lookup", err)
			return
		}
		if job != nil && !job.Completed {
			public = append(public, job.Public())
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": public})
		return
	}

	jobs, err := s.sched.List(ctx)
	if err != nil {
		s.internalError(w, "cert jobs list", err)
		return
	}
	for _, job := range jobs {
		if job.Completed {
			continue
		}
		public = append(public, job.Public())
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobs": public})
}
