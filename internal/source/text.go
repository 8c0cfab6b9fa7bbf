package source

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]+`)
)

// HTMLText strips markup from s, keeping block boundaries as line breaks and
// list items as "- " lines.
func HTMLText(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", nil
	}
	doc, err := html.Parse(strings.NewReader(s))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	extractText(doc, &b, 0)
	return collapseBlankLines(b.String()), nil
}

func extractText(n *html.Node, b *strings.Builder, depth int) {
	if depth > 64 {
		return
	}
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript":
			return
		case "br":
			b.WriteString("\n")
			return
		case "li":
			b.WriteString("\n- ")
		case "p", "div", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol":
			b.WriteString("\n")
		case "td", "th":
			b.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b, depth+1)
	}
	if n.Type == html.ElementNode {
		switch n.Data {
		case "p", "div", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "ul", "ol":
			b.WriteString("\n")
		}
	}
}

func collapseBlankLines(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(multiSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
