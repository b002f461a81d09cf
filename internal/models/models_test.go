package models

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasSystemMessage(t *testing.T) {
	assert.False(t, ChatRequest{}.HasSystemMessage())
	assert.False(t, ChatRequest{Messages: []ChatMessage{{Role: RoleUser, Content: "hi"}}}.HasSystemMessage())
	assert.True(t, ChatRequest{Messages: []ChatMessage{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleSystem, Content: "instruction"},
	}}.HasSystemMessage())
}

func TestSourceImagePrefersModernField(t *testing.T) {
	assert.Empty(t, ImageRequest{}.SourceImage())
	assert.Equal(t, "legacy", ImageRequest{ImageB64: "legacy"}.SourceImage())
	assert.Equal(t, "modern", ImageRequest{Image: "modern", ImageB64: "legacy"}.SourceImage())
}

func TestWantsImg2Img(t *testing.T) {
	assert.False(t, ImageRequest{Prompt: "x"}.WantsImg2Img())
	assert.True(t, ImageRequest{Prompt: "x", Type: ImageTypeImg2Img}.WantsImg2Img())
	assert.True(t, ImageRequest{Prompt: "x", Image: "data"}.WantsImg2Img())
	assert.True(t, ImageRequest{Prompt: "x", ImageB64: "data"}.WantsImg2Img())
}

func TestImageResultBytes(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xff}
	result := ImageResult{Base64: base64.StdEncoding.EncodeToString(payload)}

	decoded, err := result.Bytes()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)

	_, err = ImageResult{Base64: "!!not base64!!"}.Bytes()
	assert.Error(t, err)
}
