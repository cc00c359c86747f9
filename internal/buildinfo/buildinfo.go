// Package buildinfo exposes the image metadata produced by the build
// pipeline (docker/metadata-action JSON output).
package buildinfo

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	LabelTitle    = "org.opencontainers.image.title"
	LabelVersion  = "org.opencontainers.image.version"
	LabelRevision = "org.opencontainers.image.revision"
)

// Info is the raw metadata document plus the labels read from it.
type Info struct {
	raw    json.RawMessage
	labels map[string]string
}

// Empty is the Info used when no metadata was supplied.
func Empty() Info {
	return Info{raw: json.RawMessage(`{}`), labels: map[string]string{}}
}

// Parse reads a metadata document. Blank input yields Empty. The document
// must be a JSON object; non-string label values are ignored.
func Parse(raw string) (Info, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Empty(), nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Empty(), fmt.Errorf("build info: %w", err)
	}
	if doc == nil {
		return Empty(), fmt.Errorf("build info: document is null")
	}
	info := Info{raw: json.RawMessage(raw), labels: map[string]string{}}
	if l, ok := doc["labels"]; ok {
		var labels map[string]any
		if err := json.Unmarshal(l, &labels); err != nil {
			return Empty(), fmt.Errorf("build info labels: %w", err)
		}
		for k, v := range labels {
			if s, ok := v.(string); ok {
				info.labels[k] = s
			}
		}
	}
	return info, nil
}

// JSON returns the document verbatim.
func (i Info) JSON() json.RawMessage {
	if len(i.raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return i.raw
}

func (i Info) Label(name string) string { return i.labels[name] }

// Release is "title:version@revision" with placeholders for missing labels.
func (i Info) Release() string {
	return fmt.Sprintf("%s:%s@%s",
		orDefault(i.Label(LabelTitle), "unknown_image"),
		orDefault(i.Label(LabelVersion), "unknown_version"),
		orDefault(i.Label(LabelRevision), "unknown_rev"),
	)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
