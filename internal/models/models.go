package models

import (
	"encoding/base64"
	"fmt"
)

// Conversation roles understood by the upstream chat model.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Image generation modes.
const (
	ImageTypeTxt2Img = "txt2img"
	ImageTypeImg2Img = "img2img"
)

// ChatMessage represents a single conversational message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound payload for a chat turn. Messages may be empty;
// the handler injects the standing system instruction when absent.
type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

// HasSystemMessage reports whether any message carries the system role.
func (r ChatRequest) HasSystemMessage() bool {
	for _, msg := range r.Messages {
		if msg.Role == RoleSystem {
			return true
		}
	}
	return false
}

// ImageRequest is the inbound payload for an image generation request.
// Zero-valued optional fields are replaced with configured defaults before
// the request is sent upstream.
type ImageRequest struct {
	Prompt         string  `json:"prompt"`
	Width          int     `json:"width,omitempty"`
	Height         int     `json:"height,omitempty"`
	Type           string  `json:"type,omitempty"`
	Image          string  `json:"image,omitempty"`
	ImageB64       string  `json:"image_b64,omitempty"`
	Mask           string  `json:"mask,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	NumSteps       int     `json:"num_steps,omitempty"`
	Strength       float64 `json:"strength,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// SourceImage returns the supplied source image, preferring the modern field
// name over the legacy one.
func (r ImageRequest) SourceImage() string {
	if r.Image != "" {
		return r.Image
	}
	return r.ImageB64
}

// WantsImg2Img reports whether the request should be routed to the
// image-to-image model rather than text-to-image.
func (r ImageRequest) WantsImg2Img() bool {
	return r.Type == ImageTypeImg2Img || r.SourceImage() != ""
}

// ImageResult is the canonical representation of a generated image. The
// base64 string is the wire form; Bytes decodes it back to raw image data.
type ImageResult struct {
	Base64 string `json:"image_base64"`
}

// Bytes decodes the canonical base64 payload into raw image bytes.
func (r ImageResult) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Base64)
	if err != nil {
		return nil, fmt.Errorf("decode image payload: %w", err)
	}
	return data, nil
}
