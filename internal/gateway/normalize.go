package gateway

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"sparkle-gateway/internal/models"
)

// ErrEmptyResult indicates the upstream returned no image payload at all.
var ErrEmptyResult = errors.New("empty image result")

// ErrInvalidShape indicates the upstream payload matched none of the known
// response shapes.
var ErrInvalidShape = errors.New("invalid AI response format")

// imageEnvelope covers every JSON shape the image service has been observed
// to return. Which field is populated varies across model versions, so no
// single one is authoritative.
type imageEnvelope struct {
	Output []struct {
		Base64 string `json:"base64"`
	} `json:"output"`
	Images      []string `json:"images"`
	ImageBase64 string   `json:"image_base64"`
	Image       string   `json:"image"`
}

// Normalize reshapes a raw upstream image result into the canonical
// ImageResult. The decoder chain is tried in fixed priority order, first
// match wins: raw binary, nested array element, flat string field, bare JSON
// string. Anything else is an ErrInvalidShape carrying a payload snippet for
// diagnosis.
func Normalize(body []byte, contentType string) (models.ImageResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return models.ImageResult{}, ErrEmptyResult
	}

	if isBinaryPayload(trimmed, contentType) {
		return models.ImageResult{Base64: base64.StdEncoding.EncodeToString(body)}, nil
	}

	switch trimmed[0] {
	case '{':
		var envelope imageEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return models.ImageResult{}, fmt.Errorf("%w: %s", ErrInvalidShape, payloadSnippet(trimmed))
		}
		if b64, ok := envelope.pick(); ok {
			return models.ImageResult{Base64: b64}, nil
		}
		return models.ImageResult{}, fmt.Errorf("%w: %s", ErrInvalidShape, payloadSnippet(trimmed))
	case '"':
		var b64 string
		if err := json.Unmarshal(trimmed, &b64); err != nil || b64 == "" {
			return models.ImageResult{}, fmt.Errorf("%w: %s", ErrInvalidShape, payloadSnippet(trimmed))
		}
		return models.ImageResult{Base64: b64}, nil
	default:
		return models.ImageResult{}, fmt.Errorf("%w: %s", ErrInvalidShape, payloadSnippet(trimmed))
	}
}

func (e imageEnvelope) pick() (string, bool) {
	if len(e.Output) > 0 && e.Output[0].Base64 != "" {
		return e.Output[0].Base64, true
	}
	if len(e.Images) > 0 && e.Images[0] != "" {
		return e.Images[0], true
	}
	if e.ImageBase64 != "" {
		return e.ImageBase64, true
	}
	if e.Image != "" {
		return e.Image, true
	}
	return "", false
}

// isBinaryPayload reports whether the body should be treated as raw image
// bytes rather than a JSON document. Content type is the primary signal; a
// body that cannot be JSON text (a raw PNG starts with 0x89) is the fallback.
func isBinaryPayload(trimmed []byte, contentType string) bool {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	if strings.HasPrefix(mediaType, "image/") || mediaType == "application/octet-stream" {
		return true
	}
	return trimmed[0] != '{' && trimmed[0] != '"' && trimmed[0] != '['
}

const snippetLimit = 256

func payloadSnippet(body []byte) string {
	if len(body) > snippetLimit {
		body = body[:snippetLimit]
	}
	return string(body)
}
