package sanitize

import (
	"strings"
	"testing"
)

func TestStripsScripts(t *testing.T) {
	out := HTML(`<p>hi</p><script>alert(1)</script>`)
	if strings.Contains(out, "script") || strings.Contains(out, "alert") {
		t.Errorf("script survived: %q", out)
	}
	if !strings.Contains(out, "<p>hi</p>") {
		t.Errorf("benign markup lost: %q", out)
	}
}

func TestStripsEventHandlers(t *testing.T) {
	out := HTML(`<p onclick="steal()">x</p><img src="/attachments/a.png" onerror="steal()">`)
	if strings.Contains(out, "onclick") || strings.Contains(out, "onerror") {
		t.Errorf("event handler survived: %q", out)
	}
}

func TestStripsJavascriptHref(t *testing.T) {
	out := HTML(`<a href="javascript:alert(1)">x</a>`)
	if strings.Contains(out, "javascript") {
		t.Errorf("javascript: href survived: %q", out)
	}
}

func TestKeepsFormattingAndTables(t *testing.T) {
	in := `<h2>Title</h2><ul><li><strong>bold</strong></li></ul><table><tr><td>cell</td></tr></table>`
	out := HTML(in)
	for _, tag := range []string{"<h2>", "<ul>", "<li>", "<strong>", "<td>"} {
		if !strings.Contains(out, tag) {
			t.Errorf("expected %s to survive, got %q", tag, out)
		}
	}
}

func TestKeepsAttachmentImages(t *testing.T) {
	out := HTML(`<img src="/attachments/img-1.png" alt="diagram">`)
	if !strings.Contains(out, "/attachments/img-1.png") {
		t.Errorf("attachment image lost: %q", out)
	}
}
