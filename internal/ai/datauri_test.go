// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataURI(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantMIME string
		wantData string
		wantErr  bool
	}{
		{"base64", "data:image/png;base64,aGVsbG8=", "image/png", "hello", false},
		{"unpadded base64", "data:audio/wav;base64,aGVsbG8", "audio/wav", "hello", false},
		{"params dropped", "data:text/plain;charset=utf-8;base64,aGk=", "text/plain", "hi", false},
		{"percent encoded", "data:,hello%20world", "text/plain", "hello world", false},
		{"upper case mime", "data:IMAGE/JPEG;base64,aGk=", "image/jpeg", "hi", false},
		{"no prefix", "image/png;base64,aGk=", "", "", true},
		{"no comma", "data:image/png;base64", "", "", true},
		{"bad base64", "data:image/png;base64,!!!", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data, err := ParseDataURI(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDataURI)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMIME, mime)
			assert.Equal(t, tt.wantData, string(data))
		})
	}
}

func TestEncodeDataURI(t *testing.T) {
	uri := EncodeDataURI("image/gif", []byte("GIF89a"))
	mime, data, err := ParseDataURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", mime)
	assert.Equal(t, "GIF89a", string(data))
}

func TestIsYouTubeURL(t *testing.T) {
	assert.True(t, IsYouTubeURL("https://youtu.be/abc"))
	assert.True(t, IsYouTubeURL("https://m.youtube.com/watch?v=1"))
	assert.False(t, IsYouTubeURL("https://notyoutube.com/watch"))
	assert.False(t, IsYouTubeURL("::bad"))
}
