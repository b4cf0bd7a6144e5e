// Package infer turns unstructured page text into typed records by
// prompting a chat-completions model and validating the reply against a
// schema derived from the requested fields.
package infer

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInference is returned when the model could not produce a valid
// structured record after all retries.
var ErrInference = errors.New("infer: inference failed")

// Field describes one attribute to extract.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Extractor produces one structured record from free text. The link is
// the URL the text was captured from; models use it to resolve relative
// references and fields of type url.
type Extractor interface {
	Extract(ctx context.Context, text, link string, fields []Field) (map[string]any, error)
}

// buildPrompt renders the extraction instruction for one record.
func buildPrompt(text, link string, fields []Field) string {
	var sb strings.Builder
	sb.WriteString("Extract the following fields from the text below and reply with a single JSON object, nothing else.\n\nFields:\n")
	for _, f := range fields {
		fmt.Fprintf(&sb, "- %s (%s)\n", f.Name, f.Type)
	}
	sb.WriteString("\nUse null for fields the text does not mention.\n")
	if link != "" {
		fmt.Fprintf(&sb, "\nSource URL: %s\n", link)
	}
	sb.WriteString("\nText:\n")
	sb.WriteString(text)
	return sb.String()
}

// sliceJSON trims model chatter around the JSON object: everything
// before the first '{' and after the last '}' is dropped.
func sliceJSON(s string) (string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return s[start : end+1], nil
}
