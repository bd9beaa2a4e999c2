package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hazyhaar/rafale/internal/client"
	"github.com/hazyhaar/rafale/internal/fetch"
)

func testPool() *fetch.Pool {
	return fetch.NewPool(fetch.WithGlobalRate(0))
}

func TestAPISearchNestedPath(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("srsearch")
		w.Write([]byte(`{"query":{"search":[
			{"title":"Quantum error correction","snippet":"codes that protect","pageid":1},
			{"title":"Surface code","snippet":"a family of codes","pageid":2}
		]}}`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{
		Endpoint:   srv.URL + "?action=query&srsearch={query}",
		ResultPath: "query.search",
		Fields:     map[string]string{"title": "title", "snippet": "snippet", "url": "title"},
		URLPrefix:  "https://en.wikipedia.org/wiki/",
	})
	results, err := api.Search(context.Background(), "quantum error correction", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "quantum error correction" {
		t.Errorf("server saw query %q", gotQuery)
	}
	if len(results) != 2 {
		t.Fatalf("len = %d, want 2", len(results))
	}
	if results[0].Title != "Quantum error correction" {
		t.Errorf("title = %q", results[0].Title)
	}
	if results[0].URL != "https://en.wikipedia.org/wiki/Quantum error correction" {
		t.Errorf("url = %q, want prefix applied", results[0].URL)
	}
	if results[1].Snippet != "a family of codes" {
		t.Errorf("snippet = %q", results[1].Snippet)
	}
}

func TestAPISearchRootArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"title":"A","url":"http://a.example"},{"title":"B","url":"http://b.example"}]`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{Endpoint: srv.URL + "?q={query}"})
	results, err := api.Search(context.Background(), "x", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 || results[0].URL != "http://a.example" {
		t.Errorf("results = %+v", results)
	}
}

func TestAPIFieldPathsInsideItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"items":[
			{"title":["Paper title","variant"],"URL":"http://doi.example/1",
			 "issued":{"date-parts":[[2024,3]]}}
		]}}`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{
		Endpoint:   srv.URL + "?q={query}",
		ResultPath: "message.items",
		Fields: map[string]string{
			"title": "title.0",
			"url":   "URL",
		},
		Attrs: map[string]string{"year": "issued.date-parts.0.0"},
	})
	results, err := api.Search(context.Background(), "x", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	if results[0].Title != "Paper title" {
		t.Errorf("title = %q, want array index resolved", results[0].Title)
	}
	if results[0].URL != "http://doi.example/1" {
		t.Errorf("url = %q", results[0].URL)
	}
	if results[0].Attrs["year"] != "2024" {
		t.Errorf("attrs = %v, want year 2024 without decimal", results[0].Attrs)
	}
}

func TestAPILimitCapsResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"title":"1","url":"http://e/1"},{"title":"2","url":"http://e/2"},
			{"title":"3","url":"http://e/3"},{"title":"4","url":"http://e/4"}
		]`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{Endpoint: srv.URL + "?q={query}&n={limit}"})
	results, err := api.Search(context.Background(), "x", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("len = %d, want 2", len(results))
	}
}

func TestAPIItemsWithoutURLSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"title":"no link"},{"title":"ok","url":"http://e/1"}]`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{Endpoint: srv.URL + "?q={query}"})
	results, err := api.Search(context.Background(), "x", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].Title != "ok" {
		t.Errorf("results = %+v, want only the linked item", results)
	}
}

// WHAT: ${ENV_VAR} in configured headers expands at request time.
// WHY: API keys live in the environment, never in catalog files.
func TestAPIHeaderEnvExpansion(t *testing.T) {
	t.Setenv("RAFALE_TEST_KEY", "sekrit")

	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{
		Endpoint: srv.URL + "?q={query}",
		Headers:  map[string]string{"X-Api-Key": "${RAFALE_TEST_KEY}"},
	})
	if _, err := api.Search(context.Background(), "x", 0); err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotKey != "sekrit" {
		t.Errorf("X-Api-Key = %q, want expanded value", gotKey)
	}
}

func TestAPIDecodeErrorText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>definitely not json</html>`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{Endpoint: srv.URL + "?q={query}"})
	_, err := api.Search(context.Background(), "x", 0)
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("err = %v, want decode error", err)
	}
}

func TestAPIBadResultPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"items":[]}}`))
	}))
	defer srv.Close()

	api := client.NewAPI(testPool(), client.APIConfig{
		Endpoint:   srv.URL + "?q={query}",
		ResultPath: "data.nope",
	})
	_, err := api.Search(context.Background(), "x", 0)
	if err == nil || !strings.Contains(err.Error(), "result path") {
		t.Errorf("err = %v, want result path error", err)
	}
}
