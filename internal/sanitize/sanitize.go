// Package sanitize is the HTML allowlist applied to document content. It
// runs on the write path and again when persisted content is hydrated into
// a replica: the read path is a second trust boundary, and content that was
// clean at write time may predate a policy fix.
package sanitize

import (
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

var policy = buildPolicy()

func buildPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"strong", "em", "u", "s", "code", "pre", "mark", "sub", "sup",
		"blockquote",
		"ul", "ol", "li",
		"table", "thead", "tbody", "tr", "th", "td",
		"span", "div",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.RequireNoFollowOnLinks(true)

	// Images are restricted to same-origin attachment paths; remote image
	// loads from note content would leak reader IPs.
	p.AllowAttrs("src", "alt").Matching(regexp.MustCompile(`^[^"'<>]*$`)).OnElements("img")
	p.AllowElements("img")
	p.AllowAttrs("class").Matching(regexp.MustCompile(`^[a-zA-Z0-9 _-]*$`)).Globally()
	p.AllowAttrs("data-block-id").Matching(regexp.MustCompile(`^[a-zA-Z0-9_-]*$`)).Globally()

	return p
}

// HTML returns in reduced to the allowlist. Pure function, safe for
// concurrent use.
func HTML(in string) string {
	return policy.Sanitize(in)
}
