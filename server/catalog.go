package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"pricewatch/pkg/tracker"
	"pricewatch/scraper"
)

type searchRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Query    string                 `json:"query"`
	Products []tracker.SearchResult `json:"products"`
	Count    int                    `json:"count"`
}

type detailsRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	var body searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body.Query = strings.TrimSpace(body.Query)
	if body.Query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if body.MaxResults == 0 {
		body.MaxResults = scraper.DefaultSearchResults
	}
	if body.MaxResults < 1 || body.MaxResults > scraper.MaxSearchResults {
		s.writeError(w, http.StatusBadRequest, "max_results must be between 1 and 100")
		return
	}

	results, err := s.catalog.Search(r.Context(), body.Query, body.MaxResults)
	if err != nil {
		s.logger.Warn("Search failed", "query", body.Query, "error", err)
		s.writeError(w, http.StatusBadGateway, "could not read search results")
		return
	}
	if results == nil {
		results = []tracker.SearchResult{}
	}
	s.writeJSON(w, http.StatusOK, searchResponse{Query: body.Query, Products: results, Count: len(results)})
}

func (s *Server) handleProductDetails(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	var body detailsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	pageURL, _, err := tracker.CanonicalURL(strings.TrimSpace(body.URL))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "url must be a product page of a supported storefront")
		return
	}

	snap, err := s.catalog.Fetch(r.Context(), pageURL)
	if err != nil {
		s.logger.Warn("Product details fetch failed", "url", pageURL, "error", err)
		s.writeError(w, http.StatusBadGateway, "could not read product page")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"product": snap})
}
