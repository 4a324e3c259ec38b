package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"pricewatch/pkg/tracker"
	"pricewatch/track"

	"github.com/shopspring/decimal"
)

const maxBodyBytes = 64 << 10

type trackRequest struct {
	NotifyOnPriceDrop    *bool               `json:"notify_on_price_drop"`
	NotifyOnAvailability *bool               `json:"notify_on_availability"`
	TargetPrice          decimal.NullDecimal `json:"target_price"`
	URL                  string              `json:"url"`
	Name                 string              `json:"name"`
	NotificationChannel  string              `json:"notification_channel"`
}

type trackResponse struct {
	Product *tracker.TrackedProduct `json:"product"`
	Rule    *tracker.TrackingRule   `json:"rule"`
	Created bool                    `json:"created"`
}

type productResponse struct {
	Product *tracker.TrackedProduct `json:"product"`
	Rules   []*tracker.TrackingRule `json:"rules"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	var body trackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// Both notification kinds are on unless the caller says otherwise.
	req := track.Request{
		URL:                  body.URL,
		Name:                 body.Name,
		TargetPrice:          body.TargetPrice,
		NotificationChannel:  body.NotificationChannel,
		NotifyOnPriceDrop:    body.NotifyOnPriceDrop == nil || *body.NotifyOnPriceDrop,
		NotifyOnAvailability: body.NotifyOnAvailability == nil || *body.NotifyOnAvailability,
	}

	res, err := s.tracker.Track(r.Context(), req)
	if err != nil {
		var vErr *track.ValidationError
		var fErr *track.FetchError
		switch {
		case errors.As(err, &vErr):
			s.writeError(w, http.StatusBadRequest, vErr.Error())
		case errors.As(err, &fErr):
			s.logger.Warn("Product page fetch failed", "url", fErr.URL, "error", fErr.Err)
			s.writeError(w, http.StatusBadGateway, "could not read product page")
		default:
			s.logger.Error("Track failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "could not start tracking")
		}
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, trackResponse{Product: res.Product, Rule: res.Rule, Created: res.Created})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts(r.Context())
	if err != nil {
		s.logger.Error("Failed to list products", "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not list products")
		return
	}
	if products == nil {
		products = []*tracker.TrackedProduct{}
	}
	s.writeJSON(w, http.StatusOK, products)
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	rules, err := s.store.Rules(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("Failed to load rules", "product_id", p.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load rules")
		return
	}
	if rules == nil {
		rules = []*tracker.TrackingRule{}
	}
	s.writeJSON(w, http.StatusOK, productResponse{Product: p, Rules: rules})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	history, err := s.store.PriceHistory(r.Context(), p.ID)
	if err != nil {
		s.logger.Error("Failed to load price history", "product_id", p.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load price history")
		return
	}
	if history == nil {
		history = []*tracker.PriceHistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshots == nil {
		s.writeError(w, http.StatusNotFound, "snapshot archive disabled")
		return
	}
	p, ok := s.loadProduct(w, r)
	if !ok {
		return
	}
	snap, err := s.snapshots.Latest(r.Context(), p.ExternalID)
	if err != nil {
		if s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "no snapshot archived")
			return
		}
		s.logger.Error("Failed to load snapshot", "external_id", p.ExternalID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load snapshot")
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// loadProduct resolves the {id} path value, writing the error response itself.
func (s *Server) loadProduct(w http.ResponseWriter, r *http.Request) (*tracker.TrackedProduct, bool) {
	id, ok := s.pathID(w, r)
	if !ok {
		return nil, false
	}
	p, err := s.store.Product(r.Context(), id)
	if err != nil {
		if s.isNotFound(err) {
			s.writeError(w, http.StatusNotFound, "product not found")
			return nil, false
		}
		s.logger.Error("Failed to load product", "product_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "could not load product")
		return nil, false
	}
	return p, true
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}
