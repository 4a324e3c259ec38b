package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"pricewatch/pkg/tracker"
)

type fakeCatalog struct {
	results  []tracker.SearchResult
	snap     *tracker.PageSnapshot
	err      error
	query    string
	max      int
	fetchURL string
}

func (f *fakeCatalog) Search(_ context.Context, query string, maxResults int) ([]tracker.SearchResult, error) {
	f.query, f.max = query, maxResults
	return f.results, f.err
}

func (f *fakeCatalog) Fetch(_ context.Context, url string) (*tracker.PageSnapshot, error) {
	f.fetchURL = url
	return f.snap, f.err
}

func TestSearch(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		want    int
		wantMax int
	}{
		{"default max", `{"query":"  echo dot "}`, nil, http.StatusOK, 20},
		{"explicit max", `{"query":"echo dot","max_results":5}`, nil, http.StatusOK, 5},
		{"missing query", `{"query":"  "}`, nil, http.StatusBadRequest, 0},
		{"max too large", `{"query":"echo","max_results":101}`, nil, http.StatusBadRequest, 0},
		{"negative max", `{"query":"echo","max_results":-1}`, nil, http.StatusBadRequest, 0},
		{"invalid json", `{`, nil, http.StatusBadRequest, 0},
		{"upstream failure", `{"query":"echo"}`, errors.New("HTTP 503"), http.StatusBadGateway, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &fakeCatalog{
				results: []tracker.SearchResult{{ExternalID: "B09B8X9RGM", Title: "Echo Dot", PriceText: "29,99€"}},
				err:     tt.err,
			}
			h := newTestServer(&Config{Catalog: cat})

			rec := do(t, h, http.MethodPost, "/search", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if cat.max != tt.wantMax {
				t.Errorf("Search maxResults = %d, want %d", cat.max, tt.wantMax)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got searchResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Query != "echo dot" || cat.query != "echo dot" {
				t.Errorf("query = %q (passed %q), want trimmed", got.Query, cat.query)
			}
			if got.Count != 1 || got.Products[0].ExternalID != "B09B8X9RGM" {
				t.Errorf("response = %+v", got)
			}
		})
	}
}

func TestSearchNoResults(t *testing.T) {
	h := newTestServer(&Config{Catalog: &fakeCatalog{}})
	rec := do(t, h, http.MethodPost, "/search", `{"query":"nothing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if products, ok := got["products"].([]any); !ok || len(products) != 0 {
		t.Errorf("products = %v, want empty list", got["products"])
	}
}

func TestProductDetails(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		want    int
		wantURL string
	}{
		{"canonicalized", `{"url":"https://www.amazon.it/Echo-Dot/dp/B09B8X9RGM/ref=sr_1_1?th=1"}`, nil, http.StatusOK, "https://www.amazon.it/dp/B09B8X9RGM"},
		{"unsupported url", `{"url":"https://example.com/item/1"}`, nil, http.StatusBadRequest, ""},
		{"invalid json", `not json`, nil, http.StatusBadRequest, ""},
		{"fetch failure", `{"url":"https://www.amazon.it/dp/B09B8X9RGM"}`, errors.New("HTTP 503"), http.StatusBadGateway, "https://www.amazon.it/dp/B09B8X9RGM"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := &fakeCatalog{snap: &tracker.PageSnapshot{Title: "Echo Dot", PriceText: "29,99€"}, err: tt.err}
			h := newTestServer(&Config{Catalog: cat})

			rec := do(t, h, http.MethodPost, "/product/details", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if cat.fetchURL != tt.wantURL {
				t.Errorf("fetched %q, want %q", cat.fetchURL, tt.wantURL)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got struct {
				Product tracker.PageSnapshot `json:"product"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Product.Title != "Echo Dot" || got.Product.PriceText != "29,99€" {
				t.Errorf("product = %+v", got.Product)
			}
		})
	}
}

func TestCatalogRateLimited(t *testing.T) {
	h := newTestServer(&Config{Catalog: &fakeCatalog{}, TrackLimit: 1})

	if rec := do(t, h, http.MethodPost, "/search", `{"query":"a"}`); rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/product/details", `{"url":"https://www.amazon.it/dp/B09B8X9RGM"}`); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rec.Code)
	}
}
