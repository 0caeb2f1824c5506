package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc, cfg Config) Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cfg.BaseURL = server.URL
	return NewProvider(cfg)
}

func TestSendChatSuccess(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected Authorization header: %q", auth)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{
				{Message: struct {
					Content string `json:"content"`
				}{Content: "hello back"}},
			},
		})
	}, Config{Name: "direct", APIKey: "test-key", Model: "fast-model"})

	resp, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if resp.Choices[0].Message.Content != "hello back" {
		t.Fatalf("unexpected response content: %+v", resp)
	}
}

func TestSendChatRequiresAPIKey(t *testing.T) {
	provider := NewProvider(Config{Name: "direct", Model: "fast-model"})
	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if err == nil {
		t.Fatal("expected an error when no API key is configured")
	}
	var dispatchErr *DispatchError
	if !errors.As(err, &dispatchErr) || dispatchErr.Kind != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSendChatUnauthorizedMapsToInvalidKey(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(ChatResponse{})
	}, Config{Name: "direct", APIKey: "bad-key", Model: "fast-model"})

	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestSendChatNotFoundMapsToModelNotFound(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ChatResponse{})
	}, Config{Name: "direct", APIKey: "test-key", Model: "missing-model"})

	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "missing-model"})
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestSendChatRateLimitMapsToRateLimited(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(ChatResponse{})
	}, Config{Name: "direct", APIKey: "test-key", Model: "fast-model"})

	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestSendChatMalformedJSON(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}, Config{Name: "direct", APIKey: "test-key", Model: "fast-model"})

	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if !errors.Is(err, ErrMalformedJSON) {
		t.Fatalf("expected ErrMalformedJSON, got %v", err)
	}
}

func TestSendChatEmptyContentMapsToNoContent(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{{}},
		})
	}, Config{Name: "direct", APIKey: "test-key", Model: "fast-model"})

	_, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

func TestSendChatSetsRefererWhenRequired(t *testing.T) {
	var sawReferer, sawTitle string
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		sawReferer = r.Header.Get("HTTP-Referer")
		sawTitle = r.Header.Get("X-Title")
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{
				{Message: struct {
					Content string `json:"content"`
				}{Content: "ok"}},
			},
		})
	}, Config{
		Name:           "aggregator",
		APIKey:         "test-key",
		Model:          "fast-model",
		RequireReferer: true,
		RefererURL:     "https://agent.example",
		Title:          "agent-title",
	})

	if _, err := provider.SendChat(context.Background(), ChatRequest{Model: "fast-model"}); err != nil {
		t.Fatalf("SendChat failed: %v", err)
	}
	if sawReferer != "https://agent.example" || sawTitle != "agent-title" {
		t.Fatalf("expected referer headers to be set, got referer=%q title=%q", sawReferer, sawTitle)
	}
}

func TestSupportsImages(t *testing.T) {
	provider := NewProvider(Config{
		Name:        "direct",
		Model:       "fast-model",
		ImageModels: []string{"vision-model"},
	})
	if !provider.SupportsImages("vision-model") {
		t.Error("expected SupportsImages to be true for a configured image model")
	}
	if provider.SupportsImages("fast-model") {
		t.Error("expected SupportsImages to be false for a model not in ImageModels")
	}
}

func TestVisionAndSearchCapableInterfaces(t *testing.T) {
	provider := NewProvider(Config{
		Name:          "direct",
		Model:         "fast-model",
		VisionModelID: "vision-model",
		SearchModelID: "search-model",
	})

	vc, ok := provider.(VisionCapable)
	if !ok || vc.VisionModel() != "vision-model" {
		t.Error("expected provider to satisfy VisionCapable with the configured vision model")
	}
	sc, ok := provider.(SearchCapable)
	if !ok || sc.SearchModel() != "search-model" {
		t.Error("expected provider to satisfy SearchCapable with the configured search model")
	}
}

func TestValidateRequiresAPIKey(t *testing.T) {
	provider := NewProvider(Config{Name: "direct", Model: "fast-model"})
	err := provider.Validate(context.Background())
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestListModels(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []ModelInfo{
				{ID: "fast-model", ContextWindow: 8192},
				{ID: "vision-model", SupportsImages: true},
			},
		})
	}, Config{Name: "direct", APIKey: "test-key"})

	models, err := provider.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	if models[1].ID != "vision-model" || !models[1].SupportsImages {
		t.Fatalf("unexpected model entry: %+v", models[1])
	}
}

func TestListModelsUnauthorized(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, Config{Name: "direct", APIKey: "bad-key"})

	_, err := provider.ListModels(context.Background())
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
