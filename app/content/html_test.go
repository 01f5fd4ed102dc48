package content

import (
	"strings"
	"testing"
)

func TestDocumentImages(t *testing.T) {
	page := `<html><body>
		<p>text</p>
		<img src="http://example.com/a.png" alt="a">
		<div><img src="http://example.com/b.png"></div>
		<img alt="no src">
	</body></html>`

	doc, err := ParseDocument([]byte(page))
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}

	refs := doc.Images()
	if len(refs) != 2 {
		t.Fatalf("Expected 2 image refs, got %d", len(refs))
	}
	if refs[0].Src() != "http://example.com/a.png" || refs[1].Src() != "http://example.com/b.png" {
		t.Errorf("Unexpected srcs: %q %q", refs[0].Src(), refs[1].Src())
	}
}

func TestDocumentRewriteAndSerialize(t *testing.T) {
	doc, err := ParseDocument([]byte(`<html><body><img src="http://example.com/a.png"></body></html>`))
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}

	refs := doc.Images()
	refs[0].SetSrc("1.erss")

	out, err := doc.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	if !strings.Contains(string(out), `src="1.erss"`) {
		t.Errorf("Expected rewritten src in output: %s", out)
	}
	if strings.Contains(string(out), "example.com") {
		t.Errorf("Original src survived the rewrite: %s", out)
	}
}

func TestDecodeHTML(t *testing.T) {
	// "caf\xe9" in ISO-8859-1.
	latin1 := []byte{'c', 'a', 'f', 0xe9}

	decoded := DecodeHTML(latin1, "text/html; charset=iso-8859-1")
	if string(decoded) != "café" {
		t.Errorf("Expected café, got %q", decoded)
	}

	// UTF-8 and unknown charsets pass through untouched.
	utf8 := []byte("café")
	if got := DecodeHTML(utf8, "text/html; charset=utf-8"); string(got) != "café" {
		t.Errorf("UTF-8 content was altered: %q", got)
	}
	if got := DecodeHTML(latin1, "text/html; charset=no-such-charset"); string(got) != string(latin1) {
		t.Errorf("Unknown charset should pass through, got %q", got)
	}
	if got := DecodeHTML(latin1, ""); string(got) != string(latin1) {
		t.Errorf("Missing content type should pass through, got %q", got)
	}
}
