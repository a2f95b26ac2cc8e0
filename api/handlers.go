package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
	"github.com/gregtusar/vaultd/pkg/auth"
	"github.com/gregtusar/vaultd/pkg/binance"
	"github.com/gregtusar/vaultd/pkg/models"
)

const maxBodyBytes = 16 << 10

type credentialRequest struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	Label     string `json:"label"`
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialRequest, bool) {
	var req credentialRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, "request body must be JSON with apiKey and apiSecret", err))
		return req, false
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	req.APISecret = strings.TrimSpace(req.APISecret)
	return req, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"stream":    s.feed.State().String(),
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	creds := binance.Credentials{APIKey: req.APIKey, APISecret: req.APISecret}
	if err := s.portfolio.TestConnection(r.Context(), clientIP(r), creds); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	req, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	creds := binance.Credentials{APIKey: req.APIKey, APISecret: req.APISecret}
	cred, err := s.portfolio.RegisterCredential(r.Context(), clientIP(r), owner, req.Label, creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":        cred.ID,
		"label":     cred.Label,
		"apiKey":    binance.MaskKey(req.APIKey),
		"viewToken": cred.ViewToken,
		"createdAt": cred.CreatedAt,
	})
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	if err := s.portfolio.DeleteCredential(r.Context(), owner); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())
	snap, err := s.portfolio.Account(r.Context(), owner)
	if err != nil {
		s.writeAccountError(w, r, snap, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePublicAccount(w http.ResponseWriter, r *http.Request) {
	snap, err := s.portfolio.PublicAccount(r.Context(), r.PathValue("token"))
	if err != nil {
		s.writeAccountError(w, r, snap, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// writeAccountError reports the total failure while still returning the
// all-zero snapshot when one was produced.
func (s *Server) writeAccountError(w http.ResponseWriter, r *http.Request, snap *models.AccountSnapshot, err error) {
	e, ok := apperr.As(err)
	if !ok || snap == nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, statusFor(e), map[string]interface{}{
		"code":     e.Code,
		"error":    e.Detail,
		"snapshot": snap,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	owner, _ := auth.OwnerFrom(r.Context())

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, r, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest, "since must be a millisecond timestamp"))
			return
		}
		since = v
	}

	records, err := s.portfolio.History(r.Context(), owner, since)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	prices, err := s.prices.Prices(r.Context(), s.cfg.Assets, s.cfg.Quote)
	if err != nil && len(prices) == 0 {
		s.writeError(w, r, err)
		return
	}

	out := make(map[string]string, len(prices))
	for asset, p := range prices {
		out[asset] = p.String()
	}
	resp := map[string]interface{}{"quote": s.cfg.Quote, "prices": out}
	if err != nil {
		resp["partial"] = true
	}
	s.writeJSON(w, http.StatusOK, resp)
}
