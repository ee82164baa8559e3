// Package content finds the speakable content regions of a document.
package content

import (
	"fmt"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// DefaultSelector targets the common article-content markup conventions:
// hAtom, microformats2 and schema.org articleBody.
const DefaultSelector = `.hentry .entry-content, .h-entry .e-content, [itemprop="articleBody"]`

// Compile parses a CSS selector group. An empty string compiles
// [DefaultSelector].
func Compile(selector string) (cascadia.Matcher, error) {
	if selector == "" {
		selector = DefaultSelector
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, fmt.Errorf("content: compile selector %q: %w", selector, err)
	}
	return sel, nil
}

// Locate returns the content regions reachable from root. If root itself
// matches, the result is just root. Otherwise every matching descendant is
// returned in document order; the search does not descend into a region
// that already matched, so nested regions are not reported separately.
func Locate(root *html.Node, sel cascadia.Matcher) []*html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && sel.Match(root) {
		return []*html.Node{root}
	}
	var regions []*html.Node
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode {
				continue
			}
			if sel.Match(c) {
				regions = append(regions, c)
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return regions
}
