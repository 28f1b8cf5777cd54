package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/bullion/internal/domain"
	"go.uber.org/zap"
)

// adminRouter is served on its own listener and is not rate limited.
func (s *Server) adminRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/admin/spreads", s.handleGetSpreads)
	r.Put("/admin/spreads", s.handlePutSpreads)
	r.Put("/admin/spreads/{class}/{asset}", s.handlePutSpread)

	return r
}

func (s *Server) handleGetSpreads(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Spreads.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSpreads(w http.ResponseWriter, r *http.Request) {
	var patch domain.SpreadPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := patch.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	for class, entries := range map[domain.AssetClass]map[domain.Asset]domain.SpreadUpdate{
		domain.ClassMetals: patch.Metals,
		domain.ClassCrypto: patch.Crypto,
	} {
		for a := range entries {
			if a.Class() != class {
				s.writeError(w, r, errors.Wrapf(domain.ErrValidation, "%s is not a %s asset", a, class))
				return
			}
		}
	}

	cfg, err := s.svc.Spreads.SetAll(r.Context(), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.l.Info("spreads updated", zap.Int("metals", len(patch.Metals)), zap.Int("crypto", len(patch.Crypto)))
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutSpread(w http.ResponseWriter, r *http.Request) {
	class := domain.AssetClass(chi.URLParam(r, "class"))
	if class != domain.ClassMetals && class != domain.ClassCrypto {
		s.writeError(w, r, errors.Wrapf(domain.ErrValidation, "unknown class %q", class))
		return
	}
	asset, err := domain.ParseAsset(chi.URLParam(r, "asset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if asset.Class() != class {
		s.writeError(w, r, errors.Wrapf(domain.ErrValidation, "%s is not a %s asset", asset, class))
		return
	}

	var upd domain.SpreadUpdate
	if err := decodeJSON(w, r, &upd); err != nil {
		s.writeError(w, r, err)
		return
	}
	if upd.Buy == nil && upd.Sell == nil {
		s.writeError(w, r, errors.Wrap(domain.ErrValidation, "buy or sell is required"))
		return
	}
	if err := upd.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	cfg, err := s.svc.Spreads.SetOne(r.Context(), class, asset, upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.l.Info("spread updated", zap.String("class", string(class)), zap.String("asset", string(asset)))
	writeJSON(w, http.StatusOK, cfg)
}
