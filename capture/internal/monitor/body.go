package monitor

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var htmlTagRe = regexp.MustCompile(`<(html|head|body|script|style|div|span|p|a|meta|link)\b`)

// isHTML is a lightweight heuristic for HTML payloads: content-type first,
// then doctype/html prefix, then tag density over a small snippet (a
// single angle bracket in text must not count).
func isHTML(body, contentType string) bool {
	if body == "" {
		return false
	}
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	snippet := strings.ToLower(strings.TrimSpace(body))
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	if strings.HasPrefix(snippet, "<!doctype html") || strings.HasPrefix(snippet, "<html") {
		return true
	}
	return len(htmlTagRe.FindAllStringIndex(snippet, 3)) >= 2
}

// normalizeBody prepares a response body for emission. JSON payloads are
// re-serialised compactly, HTML is reduced to its text content, anything
// else passes through. The result is always truncated to maxChars.
func normalizeBody(body, contentType string, maxChars int) string {
	if body == "" {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		if compacted, ok := compactJSON(body); ok {
			return truncate(compacted, maxChars)
		}
	}
	if isHTML(body, contentType) {
		return truncate(htmlText(body), maxChars)
	}
	return truncate(body, maxChars)
}

// normalizePostData keeps request bodies readable: JSON is compacted,
// everything else is passed through untouched (post data is small enough
// not to truncate).
func normalizePostData(data, contentType string) string {
	if data == "" {
		return ""
	}
	if strings.Contains(strings.ToLower(contentType), "application/json") {
		if compacted, ok := compactJSON(data); ok {
			return compacted
		}
	}
	return data
}

func compactJSON(s string) (string, bool) {
	if !json.Valid([]byte(s)) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return "", false
	}
	return buf.String(), true
}

// htmlText extracts visible text from an HTML document, skipping script,
// style and noscript subtrees. Parse errors fall back to the raw input.
func htmlText(s string) string {
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return s
	}
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String()
}

// truncate caps s at max runes, not bytes, so multi-byte text is never
// cut mid-character.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
