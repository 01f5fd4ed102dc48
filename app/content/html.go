package content

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Document is the narrow surface the pipeline needs from an HTML tree
// library: parse, find images, rewrite srcs, serialize. The prefetch
// algorithm does not depend on what sits behind it.
type Document struct {
	root *html.Node
}

func ParseDocument(data []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{root: root}, nil
}

// ImageRef points at one <img> element's src attribute.
type ImageRef struct {
	node *html.Node
}

func (r *ImageRef) Src() string {
	for _, attr := range r.node.Attr {
		if attr.Key == "src" {
			return attr.Val
		}
	}
	return ""
}

func (r *ImageRef) SetSrc(src string) {
	for i, attr := range r.node.Attr {
		if attr.Key == "src" {
			r.node.Attr[i].Val = src
			return
		}
	}
	r.node.Attr = append(r.node.Attr, html.Attribute{Key: "src", Val: src})
}

// Images returns refs to every <img> element with a src attribute, in
// document order.
func (d *Document) Images() []*ImageRef {
	var refs []*ImageRef
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			ref := &ImageRef{node: n}
			if ref.Src() != "" {
				refs = append(refs, ref)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(d.root)
	return refs
}

func (d *Document) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return nil, fmt.Errorf("failed to serialize HTML: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeHTML converts a fetched page to UTF-8 using the charset advertised
// in the Content-Type header. Unknown or missing charsets pass through
// unchanged.
func DecodeHTML(data []byte, contentType string) []byte {
	if contentType == "" {
		return data
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return data
	}
	name := strings.ToLower(params["charset"])
	if name == "" || name == "utf-8" || name == "utf8" {
		return data
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return data
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return data
	}
	return decoded
}
