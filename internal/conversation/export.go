// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/erimtech/internal/model"
	"github.com/jeranaias/erimtech/internal/util"
)

// =============================================================================
// EXPORT
// =============================================================================

// ExportMarkdown renders a conversation as Markdown, one section per message.
func ExportMarkdown(conv *model.Conversation) string {
	var sb strings.Builder
	sb.WriteString("# " + conv.Name + "\n\n")
	sb.WriteString("Feature: " + conv.Feature.Info().Name + "\n")
	sb.WriteString("Created: " + conv.CreatedAt.UTC().Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range conv.Messages {
		sb.WriteString("**" + msg.Sender.DisplayName() + "** (" + msg.Timestamp.Format("15:04") + ")")
		if msg.IsError() {
			sb.WriteString(" [error]")
		}
		sb.WriteString(":\n\n")

		switch msg.Type {
		case model.TypeCode:
			sb.WriteString(msg.Text + "\n\n")
			if code := msg.DataString(model.DataCode); code != "" {
				sb.WriteString("```" + msg.DataString(model.DataLanguage) + "\n" + code + "\n```\n")
			}
		case model.TypeImageAnalysis:
			if desc := msg.DataString(model.DataDescription); desc != "" {
				sb.WriteString(desc + "\n")
			} else {
				sb.WriteString(msg.Text + "\n")
			}
		default:
			sb.WriteString(msg.Text + "\n")
		}
		sb.WriteString("\n---\n\n")
	}
	return sb.String()
}

// ExportJSON renders a conversation as indented JSON.
func ExportJSON(conv *model.Conversation) ([]byte, error) {
	return json.MarshalIndent(conv, "", "  ")
}

// WriteExport writes conv to path, as JSON when the extension is .json and
// as Markdown otherwise.
func WriteExport(path string, conv *model.Conversation) error {
	var data []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var err error
		if data, err = ExportJSON(conv); err != nil {
			return err
		}
	} else {
		data = []byte(ExportMarkdown(conv))
	}
	return util.AtomicWriteFile(path, data, 0o644)
}
