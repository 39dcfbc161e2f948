// Package fetchworker consumes the fetch_link work topic, downloads
// the URL, and extracts readable title/text from the response,
// stripping navigation, scripts, and other boilerplate.
package fetchworker

import (
	"strings"

	"golang.org/x/net/html"
)

// boilerplate lists elements whose entire subtree is noise for a
// reading log: code and styling, page chrome, interactive controls.
var boilerplate = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"iframe":   true,
	"svg":      true,
	"canvas":   true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
	"form":     true,
	"button":   true,
	"select":   true,
}

// paragraphBreak lists elements whose start or end terminates the
// current run of inline text.
var paragraphBreak = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"main": true, "blockquote": true, "pre": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"ul": true, "ol": true, "li": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "figure": true, "figcaption": true,
	"details": true, "summary": true, "br": true, "hr": true,
}

// extractHTML tokenizes raw and returns the page title and readable
// body text, paragraphs separated by blank lines. A single streaming
// pass: text inside boilerplate subtrees is dropped (tracked by
// nesting depth, since boilerplate elements can contain each other),
// the first non-empty <title> wins, and everything else accumulates
// into the current paragraph until a block boundary flushes it.
// Malformed markup is not an error; the tokenizer stops at the first
// hard failure and whatever was collected is returned.
func extractHTML(raw string) (title, text string) {
	z := html.NewTokenizer(strings.NewReader(raw))

	var (
		paragraphs []string
		current    []string
		skipDepth  int
		inTitle    bool
	)

	flush := func() {
		if len(current) > 0 {
			paragraphs = append(paragraphs, strings.Join(current, " "))
			current = current[:0]
		}
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			flush()
			return title, strings.Join(paragraphs, "\n\n")

		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = true
			case boilerplate[tag]:
				skipDepth++
			case paragraphBreak[tag]:
				flush()
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "title":
				inTitle = false
			case boilerplate[tag]:
				if skipDepth > 0 {
					skipDepth--
				}
			case paragraphBreak[tag]:
				flush()
			}

		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if paragraphBreak[string(name)] {
				flush()
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			words := strings.Fields(string(z.Text()))
			if len(words) == 0 {
				continue
			}
			if inTitle {
				if title == "" {
					title = strings.Join(words, " ")
				}
				continue
			}
			current = append(current, strings.Join(words, " "))
		}
	}
}
