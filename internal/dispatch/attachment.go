// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jeranaias/erimtech/internal/ai"
	"github.com/jeranaias/erimtech/internal/model"
)

// Attachment is an uploaded file.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"-"`
}

// DataURI encodes the attachment as a base64 data URI.
func (a *Attachment) DataURI() string {
	return ai.EncodeDataURI(a.MIMEType, a.Data)
}

// Size returns the payload length in bytes.
func (a *Attachment) Size() int {
	return len(a.Data)
}

// AttachmentFromDataURI decodes an uploaded data URI.
func AttachmentFromDataURI(name, uri string) (*Attachment, error) {
	mt, data, err := ai.ParseDataURI(uri)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "upload"
	}
	return &Attachment{Name: name, MIMEType: mt, Data: data}, nil
}

// LoadAttachment reads a local file. The MIME type comes from the
// extension, falling back to content sniffing. Files larger than maxBytes
// are rejected when maxBytes is positive.
func LoadAttachment(path string, maxBytes int64) (*Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if parsed, _, err := mime.ParseMediaType(mt); err == nil {
		mt = parsed
	}
	return &Attachment{Name: filepath.Base(path), MIMEType: mt, Data: data}, nil
}

// ValidateAttachment checks that file suits feature. A nil file is valid
// here; missing files are reported by Dispatch.
func ValidateAttachment(feature model.Feature, file *Attachment) error {
	if file == nil {
		return nil
	}
	switch feature {
	case model.FeatureImageAnalysis:
		if !strings.HasPrefix(file.MIMEType, "image/") {
			return &AttachmentError{Message: "Please upload an image file."}
		}
	case model.FeatureAudioTranscription:
		if !strings.HasPrefix(file.MIMEType, "audio/") {
			return &AttachmentError{Message: "Please upload an audio file."}
		}
	}
	return nil
}

// AttachmentError reports an upload of the wrong kind. It matches
// ErrInvalidAttachment under errors.Is.
type AttachmentError struct {
	Message string
}

func (e *AttachmentError) Error() string { return e.Message }

func (e *AttachmentError) Is(target error) bool { return target == ErrInvalidAttachment }
