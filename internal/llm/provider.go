package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is one OpenAI-chat-compatible conversation entry. Content is
// either a plain string or a []ContentPart for multipart (text+image)
// messages.
type Message struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one element of a multipart message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a data: URL image payload.
type ImageURL struct {
	URL string `json:"url"`
}

// ResponseFormat pins the provider to JSON-object replies.
type ResponseFormat struct {
	Type string `json:"type"`
}

// ChatRequest is the wire-exact OpenAI chat-completions request body.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ChatResponse is the subset of the completions response this driver reads.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// ModelInfo is one entry of a provider's /models listing.
type ModelInfo struct {
	ID                string `json:"id"`
	SupportsImages    bool   `json:"supports_images,omitempty"`
	ContextWindow     int    `json:"context_window,omitempty"`
}

// Provider is the capability-bearing trait every concrete backend
// implements: chat dispatch, credential validation, and model discovery.
// Vision and search are optional extra capabilities a concrete provider may
// also satisfy.
type Provider interface {
	Name() string
	Model() string
	SendChat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	Validate(ctx context.Context) error
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SupportsImages(model string) bool
}

// VisionCapable is implemented by a provider that can run the two-step
// vision handoff itself (same transport, different model).
type VisionCapable interface {
	Provider
	VisionModel() string
}

// SearchCapable is implemented by a provider usable as the secondary
// search/verification analyst.
type SearchCapable interface {
	Provider
	SearchModel() string
}

// Config configures one OpenAI-chat-compatible endpoint.
type Config struct {
	Name           string
	BaseURL        string
	APIKey         string
	Model          string
	VisionModelID  string
	SearchModelID  string
	ImageModels    []string // model ids known to accept multipart image content
	RequireReferer bool     // billing-aggregator requires HTTP-Referer/X-Title
	RefererURL     string
	Title          string
}

// httpProvider is the stdlib net/http OpenAI-chat-compatible client shared
// by both concrete providers; only headers and base URL differ between the
// billing-aggregator and the low-latency inference host.
type httpProvider struct {
	cfg    Config
	client *http.Client
}

// NewProvider builds a Provider against cfg's endpoint.
func NewProvider(cfg Config) Provider {
	return &httpProvider{cfg: cfg, client: &http.Client{Timeout: 60 * time.Second}}
}

func (p *httpProvider) Name() string  { return p.cfg.Name }
func (p *httpProvider) Model() string { return p.cfg.Model }

func (p *httpProvider) VisionModel() string { return p.cfg.VisionModelID }
func (p *httpProvider) SearchModel() string { return p.cfg.SearchModelID }

func (p *httpProvider) SupportsImages(model string) bool {
	for _, m := range p.cfg.ImageModels {
		if m == model {
			return true
		}
	}
	return false
}

func (p *httpProvider) SendChat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if p.cfg.APIKey == "" {
		return ChatResponse{}, &DispatchError{Kind: ErrInvalidKey, Message: "no API key configured for " + p.cfg.Name}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.RequireReferer {
		httpReq.Header.Set("HTTP-Referer", p.cfg.RefererURL)
		httpReq.Header.Set("X-Title", p.cfg.Title)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, &DispatchError{Kind: ErrProviderStatus, Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChatResponse{}, &DispatchError{Kind: ErrProviderStatus, Message: err.Error()}
	}

	var chatResp ChatResponse
	if jsonErr := json.Unmarshal(data, &chatResp); jsonErr != nil {
		return ChatResponse{}, &DispatchError{Kind: ErrMalformedJSON, Message: string(data)}
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		msg := ""
		if chatResp.Error != nil {
			msg = chatResp.Error.Message
		}
		return ChatResponse{}, &DispatchError{Kind: ErrInvalidKey, Message: msg}
	}
	if resp.StatusCode == http.StatusNotFound || (chatResp.Error != nil && strings.Contains(strings.ToLower(chatResp.Error.Message), "model")) {
		return ChatResponse{}, &DispatchError{Kind: ErrModelNotFound, Message: FriendlyModelMissing(req.Model)}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		msg := ""
		if chatResp.Error != nil {
			msg = chatResp.Error.Message
		}
		return ChatResponse{}, &DispatchError{Kind: ErrRateLimited, Message: msg}
	}
	if resp.StatusCode != http.StatusOK {
		msg := ""
		if chatResp.Error != nil {
			msg = chatResp.Error.Message
		}
		return ChatResponse{}, &DispatchError{Kind: ErrProviderStatus, Message: msg}
	}

	if len(chatResp.Choices) == 0 || strings.TrimSpace(chatResp.Choices[0].Message.Content) == "" {
		return ChatResponse{}, &DispatchError{Kind: ErrNoContent}
	}
	return chatResp, nil
}

func (p *httpProvider) Validate(ctx context.Context) error {
	if p.cfg.APIKey == "" {
		return &DispatchError{Kind: ErrInvalidKey, Message: "no API key configured for " + p.cfg.Name}
	}
	_, err := p.ListModels(ctx)
	return err
}

func (p *httpProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if p.cfg.RequireReferer {
		httpReq.Header.Set("HTTP-Referer", p.cfg.RefererURL)
		httpReq.Header.Set("X-Title", p.cfg.Title)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &DispatchError{Kind: ErrProviderStatus, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &DispatchError{Kind: ErrInvalidKey}
	}
	var payload struct {
		Data []ModelInfo `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &DispatchError{Kind: ErrMalformedJSON, Message: err.Error()}
	}
	return payload.Data, nil
}
