package provider

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/llmtap/llmtap/internal/model"
)

// extractImages walks a messages array and records metadata for every image
// it carries, in both the OpenAI shape (content parts of type "image_url"
// with a data: URL) and the Anthropic shape (type "image" with a base64
// source). The base64 payload itself is measured and discarded.
func extractImages(messages json.RawMessage) []model.ImageMeta {
	var images []model.ImageMeta

	gjson.ParseBytes(messages).ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			switch part.Get("type").Str {
			case "image_url":
				url := part.Get("image_url.url").Str
				meta := model.ImageMeta{Index: len(images), MIME: "url"}
				if rest, ok := strings.CutPrefix(url, "data:"); ok {
					header, b64, _ := strings.Cut(rest, ",")
					meta.MIME, _, _ = strings.Cut(header, ";")
					if meta.MIME == "" {
						meta.MIME = "unknown"
					}
					meta.SizeBytes = decodedSize(b64)
				}
				images = append(images, meta)
			case "image":
				meta := model.ImageMeta{
					Index: len(images),
					MIME:  part.Get("source.media_type").Str,
				}
				if meta.MIME == "" {
					meta.MIME = "unknown"
				}
				meta.SizeBytes = decodedSize(part.Get("source.data").Str)
				images = append(images, meta)
			}
			return true
		})
		return true
	})

	return images
}

// decodedSize returns the decoded byte length of a base64 string without
// keeping the decoded bytes.
func decodedSize(b64 string) int {
	if b64 == "" {
		return 0
	}
	n := base64.StdEncoding.DecodedLen(len(b64))
	n -= strings.Count(b64[max(0, len(b64)-2):], "=")
	if n < 0 {
		return 0
	}
	return n
}
