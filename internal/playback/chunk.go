package playback

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/MrWong99/readaloud/internal/content"
)

// Chunking defaults.
const (
	DefaultContainerSelector = "p, li, h1, h2, h3, h4, h5, h6, blockquote, pre, figcaption, dt, dd, th, td"
	DefaultMaxChunkLength    = 300
	DefaultLanguage          = "en"
)

// ChunkifyOptions controls how a region's text is split into utterances.
type ChunkifyOptions struct {
	// ContainerSelector selects the block elements whose text becomes
	// separate chunks. Empty means [DefaultContainerSelector].
	ContainerSelector string `yaml:"container_selector" json:"containerSelector,omitempty"`

	// MaxChunkLength is the soft upper bound of a chunk in characters.
	// Longer blocks are split at sentence and then word boundaries.
	MaxChunkLength int `yaml:"max_chunk_length" json:"maxChunkLength,omitempty"`
}

// Chunk is one utterance worth of text.
type Chunk struct {
	Text string `json:"text"`
	Lang string `json:"lang"`
}

// Chunkify splits the text below region into chunks. Each top-level
// container contributes its own chunks; text outside any container is
// ignored unless region has no containers at all, in which case the whole
// region is one block. The tree must not change during the call.
func Chunkify(region *html.Node, opts ChunkifyOptions) ([]Chunk, error) {
	if region == nil {
		return nil, nil
	}
	selector := opts.ContainerSelector
	if selector == "" {
		selector = DefaultContainerSelector
	}
	sel, err := cascadia.ParseGroup(selector)
	if err != nil {
		return nil, err
	}
	maxLen := opts.MaxChunkLength
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLength
	}

	blocks := content.Locate(region, sel)
	if len(blocks) == 0 {
		blocks = []*html.Node{region}
	}

	var chunks []Chunk
	for _, b := range blocks {
		text := collapseSpace(textContent(b))
		if text == "" {
			continue
		}
		lang := Language(b)
		for _, part := range split(text, maxLen) {
			chunks = append(chunks, Chunk{Text: part, Lang: lang})
		}
	}
	return chunks, nil
}

// Language returns the value of the nearest lang attribute on n or its
// ancestors, or [DefaultLanguage].
func Language(n *html.Node) string {
	for ; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, a := range n.Attr {
			if a.Namespace == "" && a.Key == "lang" && a.Val != "" {
				return a.Val
			}
		}
	}
	return DefaultLanguage
}

// textContent concatenates the text below n, skipping content that is never
// read aloud.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if skipped(n) {
				return
			}
			if n.DataAtom == atom.Br {
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && !inline(n.DataAtom) {
			sb.WriteByte(' ')
		}
	}
	walk(n)
	return sb.String()
}

func skipped(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Button:
		return true
	}
	for _, a := range n.Attr {
		if a.Key == "hidden" || (a.Key == "aria-hidden" && a.Val == "true") {
			return true
		}
	}
	return false
}

func inline(a atom.Atom) bool {
	switch a {
	case atom.A, atom.Abbr, atom.B, atom.Cite, atom.Code, atom.Em, atom.I,
		atom.Kbd, atom.Mark, atom.Q, atom.S, atom.Small, atom.Span,
		atom.Strong, atom.Sub, atom.Sup, atom.Time, atom.U, atom.Var:
		return true
	}
	return false
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// split breaks text into pieces of at most maxLen runes, preferring
// sentence ends and falling back to word boundaries. A single word longer
// than maxLen is kept whole.
func split(text string, maxLen int) []string {
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	add := func(piece string) {
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+1+utf8.RuneCountInString(piece) > maxLen {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(piece)
	}

	for _, sentence := range sentences(text) {
		if utf8.RuneCountInString(sentence) <= maxLen {
			add(sentence)
			continue
		}
		for _, w := range strings.Fields(sentence) {
			add(w)
		}
	}
	flush()
	return out
}

// sentences splits text after '.', '!', '?' or ':' followed by a space.
func sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i, r := range runes {
		if !strings.ContainsRune(".!?:", r) {
			continue
		}
		if i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
			out = append(out, strings.TrimSpace(string(runes[start:i+1])))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(string(runes[start:])); rest != "" {
		out = append(out, rest)
	}
	return out
}
