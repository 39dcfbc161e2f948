package fetchworker

import (
	"strings"
	"testing"
)

func TestExtractHTMLTitleAndParagraphs(t *testing.T) {
	title, text := extractHTML(`<html><head><title>A  Title</title></head>
		<body><p>First  paragraph.</p><p>Second paragraph.</p></body></html>`)
	if title != "A Title" {
		t.Fatalf("want collapsed title, got %q", title)
	}
	want := "First paragraph.\n\nSecond paragraph."
	if text != want {
		t.Fatalf("want %q, got %q", want, text)
	}
}

func TestExtractHTMLSkipsBoilerplateSubtrees(t *testing.T) {
	_, text := extractHTML(`<body>
		<nav>Home <div>About</div></nav>
		<script>var x = 1;</script>
		<article>Body text.</article>
		<footer><nav>Links</nav>Copyright</footer>
	</body>`)
	if text != "Body text." {
		t.Fatalf("want boilerplate dropped even when nested, got %q", text)
	}
}

func TestExtractHTMLFirstTitleWins(t *testing.T) {
	title, _ := extractHTML(`<title>First</title><title>Second</title>`)
	if title != "First" {
		t.Fatalf("want first title, got %q", title)
	}
}

func TestExtractHTMLToleratesMalformedMarkup(t *testing.T) {
	title, text := extractHTML(`<title>Broken</title><body><p>Text survives`)
	if title != "Broken" {
		t.Fatalf("want title despite unclosed tags, got %q", title)
	}
	if !strings.Contains(text, "Text survives") {
		t.Fatalf("want collected text despite unclosed tags, got %q", text)
	}
}

func TestExtractHTMLEmptyBody(t *testing.T) {
	title, text := extractHTML(`<html><head></head><body>   </body></html>`)
	if title != "" || text != "" {
		t.Fatalf("want nothing extracted, got title=%q text=%q", title, text)
	}
}
