package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"sparkle-gateway/internal/config"
	"sparkle-gateway/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	contentTypeJSON = "application/json"
	userAgent       = "sparkle-gateway/0.1"

	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Client talks to the hosted inference service. Chat turns are requested as
// raw streaming bodies; image generation is requested buffered.
type Client struct {
	apiKey  string
	baseURL string
	headers map[string]string
	client  *http.Client

	chatModel    string
	txt2imgModel string
	img2imgModel string
}

// New creates a gateway client from configuration.
func New(cfg config.GatewayConfig, client *http.Client) (*Client, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		headers:      cfg.Headers,
		client:       client,
		chatModel:    cfg.ChatModel,
		txt2imgModel: cfg.Txt2ImgModel,
		img2imgModel: cfg.Img2ImgModel,
	}, nil
}

// NewHTTPClient builds the shared transport for gateway requests. There is no
// overall client timeout: a chat stream stays open for as long as the model
// keeps producing tokens.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
	}
}

type chatPayload struct {
	Messages  []models.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// ChatStream asks the chat model for an incrementally flushed response and
// returns the raw body untouched along with its content type. The caller owns
// closing the body.
func (c *Client) ChatStream(ctx context.Context, messages []models.ChatMessage, maxTokens int) (io.ReadCloser, string, error) {
	payload := chatPayload{
		Messages:  messages,
		Stream:    true,
		MaxTokens: maxTokens,
	}

	httpReq, err := c.newRequest(ctx, c.runURL(c.chatModel), payload)
	if err != nil {
		return nil, "", err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("chat stream request failed: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, "", parseAPIError(httpResp)
	}

	return httpResp.Body, httpResp.Header.Get("Content-Type"), nil
}

type imagePayload struct {
	Prompt         string  `json:"prompt"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	NumSteps       int     `json:"num_steps,omitempty"`
	Strength       float64 `json:"strength,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Image          string  `json:"image_b64,omitempty"`
	Mask           string  `json:"mask_b64,omitempty"`
}

// GenerateImage invokes the diffusion model synchronously and returns the
// buffered response body with its content type. The request must already
// carry resolved defaults; model selection follows the presence of a source
// image.
func (c *Client) GenerateImage(ctx context.Context, req models.ImageRequest) ([]byte, string, error) {
	model := c.txt2imgModel
	if req.WantsImg2Img() {
		model = c.img2imgModel
	}

	payload := imagePayload{
		Prompt:         req.Prompt,
		Width:          req.Width,
		Height:         req.Height,
		NumSteps:       req.NumSteps,
		Strength:       req.Strength,
		Guidance:       req.Guidance,
		Seed:           req.Seed,
		NegativePrompt: req.NegativePrompt,
		Image:          req.SourceImage(),
		Mask:           req.Mask,
	}

	httpReq, err := c.newRequest(ctx, c.runURL(model), payload)
	if err != nil {
		return nil, "", err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("image generation request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, "", parseAPIError(httpResp)
	}

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read image response: %w", err)
	}

	return body, httpResp.Header.Get("Content-Type"), nil
}

func (c *Client) runURL(model string) string {
	return c.baseURL + "/run/" + model
}

func (c *Client) newRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type apiErrorResponse struct {
	Error  *apiErrorObject  `json:"error,omitempty"`
	Errors []apiErrorObject `json:"errors,omitempty"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Code    any    `json:"code,omitempty"`
}

func parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("upstream error status %d and failed to read body: %w", resp.StatusCode, err)
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil {
		if apiErr.Error != nil && apiErr.Error.Message != "" {
			return fmt.Errorf("gateway error: %s", apiErr.Error.Message)
		}
		if len(apiErr.Errors) > 0 && apiErr.Errors[0].Message != "" {
			return fmt.Errorf("gateway error: %s", apiErr.Errors[0].Message)
		}
	}

	return fmt.Errorf("upstream error status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
