package transform

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/jaytaylor/html2text"
	"github.com/microcosm-cc/bluemonday"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

var (
	paragraphRe = regexp.MustCompile(`\n{3,}`)
	trailingWS  = regexp.MustCompile(`[ \t]+\n`)
	multiSpace  = regexp.MustCompile(`[ \t]{2,}`)
	// Fediverse-style mentions: @username@instance.domain
	fediMentionRe = regexp.MustCompile(`(?i)(?:^|\s)(@([a-zA-Z0-9_]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,}))`)
)

// Transformer turns source item text into destination-ready plain text.
type Transformer struct {
	htmlSanitizer *bluemonday.Policy
}

// NewTransformer creates a new Transformer instance.
func NewTransformer() *Transformer {
	return &Transformer{
		htmlSanitizer: bluemonday.StrictPolicy(),
	}
}

// HTMLToText converts HTML post content to plain text. Paragraphs become blank
// line separated and link targets are dropped in favour of their text.
func (t *Transformer) HTMLToText(htmlContent string) string {
	plainText, err := html2text.FromString(htmlContent, html2text.Options{
		PrettyTables: false,
		OmitLinks:    true,
	})
	if err != nil {
		logging.Warn("HTML to plain text conversion failed: %v. Using basic strip.", err)
		return t.basicStripHTML(htmlContent)
	}
	return cleanWhitespace(html.UnescapeString(plainText))
}

// basicStripHTML is a fallback stripper using bluemonday.
func (t *Transformer) basicStripHTML(htmlContent string) string {
	withBreaks := strings.NewReplacer("</p>", "\n\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n").Replace(htmlContent)
	return cleanWhitespace(html.UnescapeString(t.htmlSanitizer.Sanitize(withBreaks)))
}

// Normalize returns the text of item as it should appear on the destination:
// entities decoded, short links expanded to their targets, links that are
// carried by an embed (the quoted item and media pages) removed, and fediverse
// mentions annotated with a profile URL.
func (t *Transformer) Normalize(item *models.SourceItem) string {
	text := html.UnescapeString(item.Text)

	drop := make(map[string]bool)
	if item.Quote != nil && item.Quote.URL != "" {
		drop[item.Quote.URL] = true
	}
	for _, m := range item.Media {
		if m.PageURL != "" {
			drop[m.PageURL] = true
		}
	}

	for _, l := range item.Links {
		target := l.Resolved
		if target == "" {
			target = l.Short
		}
		if l.Short == "" {
			continue
		}
		if drop[target] || drop[l.Short] {
			text = strings.ReplaceAll(text, l.Short, "")
			continue
		}
		text = strings.ReplaceAll(text, l.Short, target)
	}
	for u := range drop {
		text = strings.ReplaceAll(text, u, "")
	}

	text = t.convertFediMentionsToURL(text)
	return cleanWhitespace(text)
}

// convertFediMentionsToURL converts @user@instance mentions to "@user@instance
// (profile URL)" since the destination cannot link them.
func (t *Transformer) convertFediMentionsToURL(content string) string {
	return fediMentionRe.ReplaceAllStringFunc(content, func(match string) string {
		parts := fediMentionRe.FindStringSubmatch(match)
		if len(parts) < 4 {
			return match
		}
		lead := match[:strings.Index(match, "@")]
		profileURL := fmt.Sprintf("https://%s/@%s", parts[3], parts[2])
		return fmt.Sprintf("%s%s (%s)", lead, parts[1], profileURL)
	})
}

func cleanWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = multiSpace.ReplaceAllString(s, " ")
	s = trailingWS.ReplaceAllString(s, "\n")
	s = paragraphRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
