package mail

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlHiddenRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// ExtractBody walks the MIME tree of a message and returns the best plain-text
// rendition of its body. text/plain parts win over text/html; HTML is stripped
// to text as a fallback. An unresolvable payload yields the empty string.
func ExtractBody(msg *Message) string {
	if msg == nil || msg.Payload == nil {
		return ""
	}
	if plain := findPart(msg.Payload, "text/plain"); plain != "" {
		return plain
	}
	if html := findPart(msg.Payload, "text/html"); html != "" {
		return stripHTML(html)
	}
	return ""
}

// findPart depth-first searches the part tree for the first decodable part of
// the wanted MIME type.
func findPart(part *MessagePart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Filename == "" {
		if text := decodePartData(part.Body.Data); text != "" {
			return text
		}
	}
	for _, child := range part.Parts {
		if text := findPart(child, mimeType); text != "" {
			return text
		}
	}
	return ""
}

func decodePartData(data string) string {
	if data == "" {
		return ""
	}
	decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

func stripHTML(html string) string {
	text := htmlHiddenRe.ReplaceAllString(html, "")
	text = strings.ReplaceAll(text, "<br>", "\n")
	text = strings.ReplaceAll(text, "<br/>", "\n")
	text = strings.ReplaceAll(text, "<br />", "\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
