package llamacpp

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDetect(t *testing.T) {
	var got ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var raw map[string]json.RawMessage
		json.NewDecoder(r.Body).Decode(&raw)
		json.Unmarshal(raw["model"], &got.Model)

		json.NewEncoder(w).Encode(ChatCompletionResponse{
			Model: "qwen",
			Choices: []Choice{{
				Message: Message{Role: "assistant", Content: "```json\n{\"detections\":[{\"label\":\"dog\",\"score\":0.92,\"box\":[5,5,20,20]}]}\n```"},
			}},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", "qwen", 0, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer c.Close()

	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 32)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != "dog" {
		t.Fatalf("Unexpected detections %+v", dets)
	}
	if got.Model != "qwen" {
		t.Errorf("Expected model qwen, got %q", got.Model)
	}
}

func TestDetectArrayContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{\"detections\":[]}"}]}}]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "qwen", 0, nil)
	dets, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %v", dets)
	}
}

func TestDetectErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "qwen", 0, nil)
	if _, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8))); err == nil {
		t.Error("Expected error for response without choices")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer failing.Close()

	c, _ = NewClient(failing.URL, "qwen", 0, nil)
	_, err := c.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	if err == nil || !strings.Contains(err.Error(), "500") {
		t.Errorf("Expected status error, got %v", err)
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient("", "m", 0, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if c.baseURL != "http://localhost:8080" {
		t.Errorf("Expected default base URL, got %s", c.baseURL)
	}
	if _, err := NewClient("localhost:8080", "m", 0, nil); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}
