// Package rewrite makes fetched HTML renderable from the proxy origin by
// turning resource references into absolute upstream URLs.
package rewrite

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/net/html/charset"
)

// DefaultResourcePath is the pass-through endpoint that serves downloads.
const DefaultResourcePath = "/api/proxy/resource"

// resourceAttrs lists, per element, the attributes that carry resource URLs.
var resourceAttrs = []struct {
	tag   string
	attrs []string
}{
	{"a", []string{"href"}},
	{"img", []string{"src", "srcset"}},
	{"script", []string{"src"}},
	{"link", []string{"href"}},
	{"iframe", []string{"src"}},
	{"source", []string{"src", "srcset"}},
	{"video", []string{"poster", "src"}},
	{"audio", []string{"src"}},
	{"form", []string{"action"}},
}

// Rewriter rewrites proxied documents.
type Rewriter struct {
	resourcePath string
}

// New returns a Rewriter that routes PDF anchors through resourcePath.
func New(resourcePath string) *Rewriter {
	if resourcePath == "" {
		resourcePath = DefaultResourcePath
	}
	return &Rewriter{resourcePath: resourcePath}
}

// Rewrite parses body (decoded per contentType), resolves every resource
// attribute against pageURL and injects or replaces <base href>. The result
// is UTF-8. Only attribute values change; the element tree is preserved.
func (r *Rewriter) Rewrite(body []byte, contentType, pageURL string) ([]byte, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	ensureBase(doc, base.String())

	for _, ra := range resourceAttrs {
		doc.Find(ra.tag).Each(func(_ int, sel *goquery.Selection) {
			for _, attr := range ra.attrs {
				value, ok := sel.Attr(attr)
				if !ok || strings.TrimSpace(value) == "" {
					continue
				}
				if attr == "srcset" {
					sel.SetAttr(attr, Srcset(value, base))
					continue
				}
				abs, ok := resolve(base, value)
				if !ok {
					continue
				}
				if ra.tag == "a" && isDownload(abs) {
					sel.SetAttr(attr, r.resourceURL(abs))
					continue
				}
				sel.SetAttr(attr, abs.String())
			}
		})
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	return []byte(out), nil
}

func (r *Rewriter) resourceURL(target *url.URL) string {
	return r.resourcePath + "?url=" + url.QueryEscape(target.String())
}

func ensureBase(doc *goquery.Document, href string) {
	head := doc.Find("head").First()
	if head.Length() == 0 {
		return
	}
	if existing := head.Find("base"); existing.Length() > 0 {
		existing.SetAttr("href", href)
		return
	}
	head.PrependNodes(&html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Base,
		Data:     "base",
		Attr:     []html.Attribute{{Key: "href", Val: href}},
	})
}

// resolve returns value made absolute against base. Unparseable values are
// left alone.
func resolve(base *url.URL, value string) (*url.URL, bool) {
	ref, err := url.Parse(strings.TrimSpace(value))
	if err != nil {
		return nil, false
	}
	return base.ResolveReference(ref), true
}

// Srcset resolves each candidate URL of a srcset value, keeping descriptors.
func Srcset(value string, base *url.URL) string {
	var candidates []string
	for _, part := range strings.Split(value, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		candidate := fields[0]
		if abs, ok := resolve(base, candidate); ok {
			candidate = abs.String()
		}
		if len(fields) > 1 {
			candidate += " " + strings.Join(fields[1:], " ")
		}
		candidates = append(candidates, candidate)
	}
	return strings.Join(candidates, ", ")
}

func isDownload(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".pdf")
}

// IsHTML reports whether a Content-Type denotes an HTML document.
func IsHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	return ct == "" || strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}
