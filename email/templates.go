package email

import (
	"fmt"
	"net/url"
	"strings"
)

// formatMessage wraps a digest body in a standalone HTML document with the
// site footer. The body is trusted markup produced by the digest renderer.
func (s *Sender) formatMessage(to, body string) string {
	var b strings.Builder

	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString("body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }\n")
	b.WriteString("table { border-collapse: collapse; font-size: 0.95em; }\n")
	b.WriteString("th, td { text-align: left; }\n")
	b.WriteString("tr.highlight { background-color: yellow; }\n")
	b.WriteString(".footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }\n")
	b.WriteString(".footer a { color: #7f8c8d; text-decoration: underline; }\n")
	b.WriteString("a { color: #1a5fb4; text-decoration: none; }\n")
	b.WriteString("a:hover { text-decoration: underline; }\n")
	b.WriteString("</style>\n</head>\n<body>\n")

	b.WriteString(body)
	b.WriteString("\n")

	b.WriteString("<div class=\"footer\">\n")
	b.WriteString(fmt.Sprintf("<p><a href=\"%s\" target=\"_blank\">Visit Visa Bulletin Checker Page</a> &larr; Unsubscribe here</p>\n", escapeHTML(s.siteURL(to))))
	b.WriteString("</div>\n")

	b.WriteString("</body>\n</html>")

	return b.String()
}

// siteURL links back to the site with the recipient pre-filled in the unsubscribe form.
func (s *Sender) siteURL(to string) string {
	base := strings.TrimRight(s.baseURL, "/")
	if base == "" {
		base = "/"
	} else {
		base += "/"
	}
	if to == "" {
		return base
	}
	return base + "?email=" + url.QueryEscape(to) + "#unsubscribe"
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}
