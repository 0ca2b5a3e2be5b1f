package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	var gotModel, gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotModel, gotPrompt = req.Model, req.Prompt
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Model: "test-model"})
	emb, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(emb) != 3 {
		t.Errorf("embedding = %v", emb)
	}
	if gotModel != "test-model" || gotPrompt != "hello" {
		t.Errorf("request = (%q, %q)", gotModel, gotPrompt)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	_, err := c.Generate(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %v", err)
	}
}

func TestGenerate_EmptyEmbeddingRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{})
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL})
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("empty embedding accepted")
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{})
	if c.model != DefaultModel {
		t.Errorf("model = %q", c.model)
	}
	if c.baseURL == "" {
		t.Error("baseURL empty")
	}
}
