// Package blocks parses block-editor markup into a tree of blocks.
//
// Block delimiters are HTML comments:
//
//	<!-- wp:namespace/name {"json":"attrs"} -->inner html<!-- /wp:namespace/name -->
//	<!-- wp:name {"json":"attrs"} /-->
//
// Names without a namespace belong to "core". Text outside any block becomes
// a freeform block with an empty name. Parsing never fails: malformed
// delimiters are kept as HTML and unclosed blocks are closed at the end of
// the document.
package blocks

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Block is one parsed block.
type Block struct {
	Name        string
	Attrs       map[string]any
	InnerBlocks []*Block
	InnerHTML   string
	// InnerContent interleaves HTML chunks with nil entries, each nil marking
	// where the next inner block renders.
	InnerContent []*string
}

func (b *Block) addHTML(s string) {
	if s == "" {
		return
	}
	b.InnerHTML += s
	b.InnerContent = append(b.InnerContent, &s)
}

func (b *Block) addInner(child *Block) {
	b.InnerBlocks = append(b.InnerBlocks, child)
	b.InnerContent = append(b.InnerContent, nil)
}

func freeform(html string) *Block {
	b := &Block{Attrs: map[string]any{}}
	b.addHTML(html)
	return b
}

type tokenKind int

const (
	tokenNone tokenKind = iota
	tokenOpener
	tokenCloser
	tokenVoid
)

type token struct {
	kind  tokenKind
	name  string
	attrs map[string]any
	start int
	end   int
	// attrsStart:attrsEnd spans the attribute JSON; empty without attributes.
	attrsStart int
	attrsEnd   int
}

type frame struct {
	block      *Block
	prevOffset int
}

// Parse parses a document into its top-level blocks.
func Parse(doc string) []*Block {
	var (
		out    []*Block
		stack  []*frame
		offset int
	)
	textStart := 0

	for {
		tok := nextToken(doc, offset)

		switch tok.kind {
		case tokenNone:
			if len(stack) == 0 {
				if textStart < len(doc) {
					out = append(out, freeform(doc[textStart:]))
				}
				return out
			}
			top := stack[len(stack)-1]
			top.block.addHTML(doc[top.prevOffset:])
			for len(stack) > 0 {
				f := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					out = append(out, f.block)
				} else {
					stack[len(stack)-1].block.addInner(f.block)
				}
			}
			return out

		case tokenVoid:
			b := &Block{Name: tok.name, Attrs: tok.attrs}
			if len(stack) == 0 {
				if tok.start > textStart {
					out = append(out, freeform(doc[textStart:tok.start]))
				}
				out = append(out, b)
				textStart = tok.end
			} else {
				top := stack[len(stack)-1]
				top.block.addHTML(doc[top.prevOffset:tok.start])
				top.block.addInner(b)
				top.prevOffset = tok.end
			}

		case tokenOpener:
			if len(stack) == 0 {
				if tok.start > textStart {
					out = append(out, freeform(doc[textStart:tok.start]))
				}
			} else {
				top := stack[len(stack)-1]
				top.block.addHTML(doc[top.prevOffset:tok.start])
				top.prevOffset = tok.start
			}
			stack = append(stack, &frame{
				block:      &Block{Name: tok.name, Attrs: tok.attrs},
				prevOffset: tok.end,
			})

		case tokenCloser:
			if len(stack) == 0 {
				// Stray closer: keep the text before it, drop the delimiter.
				if tok.start > textStart {
					out = append(out, freeform(doc[textStart:tok.start]))
				}
				textStart = tok.end
				break
			}
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			f.block.addHTML(doc[f.prevOffset:tok.start])
			if len(stack) == 0 {
				out = append(out, f.block)
				textStart = tok.end
			} else {
				parent := stack[len(stack)-1]
				parent.block.addInner(f.block)
				parent.prevOffset = tok.end
			}
		}
		offset = tok.end
	}
}

// Delimiter locates an opening or void block delimiter in a document.
type Delimiter struct {
	Name       string
	Start, End int
	// AttrsStart:AttrsEnd is the attribute JSON, empty when there is none.
	AttrsStart, AttrsEnd int
}

// Delimiters returns the opening and void delimiters of doc in document
// order, the same ones Parse turns into blocks.
func Delimiters(doc string) []Delimiter {
	var out []Delimiter
	for offset := 0; ; {
		tok := nextToken(doc, offset)
		if tok.kind == tokenNone {
			return out
		}
		if tok.kind != tokenCloser {
			out = append(out, Delimiter{
				Name:       tok.name,
				Start:      tok.start,
				End:        tok.end,
				AttrsStart: tok.attrsStart,
				AttrsEnd:   tok.attrsEnd,
			})
		}
		offset = tok.end
	}
}

// nextToken finds the next well-formed block delimiter at or after offset.
func nextToken(doc string, offset int) token {
	for offset < len(doc) {
		i := strings.Index(doc[offset:], "<!--")
		if i < 0 {
			return token{kind: tokenNone}
		}
		start := offset + i
		if tok, ok := scanDelimiter(doc, start); ok {
			return tok
		}
		offset = start + len("<!--")
	}
	return token{kind: tokenNone}
}

// scanDelimiter reads a delimiter starting at doc[start:] == "<!--".
func scanDelimiter(doc string, start int) (token, bool) {
	p := start + len("<!--")
	q := skipSpace(doc, p)
	if q == p {
		return token{}, false
	}
	p = q

	closer := false
	if p < len(doc) && doc[p] == '/' {
		closer = true
		p++
	}
	if !strings.HasPrefix(doc[p:], "wp:") {
		return token{}, false
	}
	p += len("wp:")

	name, n := scanName(doc[p:])
	if n == 0 {
		return token{}, false
	}
	p += n

	q = skipSpace(doc, p)
	if q == p {
		return token{}, false
	}
	p = q

	attrs := map[string]any{}
	attrsStart, attrsEnd := p, p
	if !closer && p < len(doc) && doc[p] == '{' {
		dec := json.NewDecoder(strings.NewReader(doc[p:]))
		dec.UseNumber()
		var decoded map[string]any
		if err := dec.Decode(&decoded); err != nil {
			return token{}, false
		}
		if decoded != nil {
			attrs = decoded
		}
		end := p + int(dec.InputOffset())
		attrsEnd = end
		q = skipSpace(doc, end)
		if q == end {
			return token{}, false
		}
		p = q
	}

	void := false
	if p < len(doc) && doc[p] == '/' {
		if closer {
			return token{}, false
		}
		void = true
		p++
	}
	if !strings.HasPrefix(doc[p:], "-->") {
		return token{}, false
	}
	p += len("-->")

	tok := token{name: name, attrs: attrs, start: start, end: p, attrsStart: attrsStart, attrsEnd: attrsEnd}
	switch {
	case closer:
		tok.kind = tokenCloser
		tok.attrs = nil
	case void:
		tok.kind = tokenVoid
	default:
		tok.kind = tokenOpener
	}
	return tok, true
}

// scanName reads "name" or "namespace/name" and returns the full name.
func scanName(s string) (string, int) {
	first := scanSegment(s)
	if first == 0 {
		return "", 0
	}
	if first < len(s) && s[first] == '/' {
		second := scanSegment(s[first+1:])
		if second == 0 {
			return "", 0
		}
		n := first + 1 + second
		return s[:n], n
	}
	return "core/" + s[:first], first
}

// scanSegment matches [a-z][a-z0-9_-]*.
func scanSegment(s string) int {
	if len(s) == 0 || s[0] < 'a' || s[0] > 'z' {
		return 0
	}
	i := 1
	for i < len(s) {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			i++
			continue
		}
		break
	}
	return i
}

func skipSpace(doc string, p int) int {
	for p < len(doc) {
		switch doc[p] {
		case ' ', '\t', '\n', '\r', '\f':
			p++
		default:
			return p
		}
	}
	return p
}

// Render concatenates a block's HTML with its inner blocks, each rendered by
// inner. A nil inner renders the inner blocks' own markup.
func (b *Block) Render(inner func(*Block) string) string {
	if inner == nil {
		inner = func(c *Block) string { return c.Render(nil) }
	}
	var buf bytes.Buffer
	next := 0
	for _, chunk := range b.InnerContent {
		if chunk != nil {
			buf.WriteString(*chunk)
			continue
		}
		if next < len(b.InnerBlocks) {
			buf.WriteString(inner(b.InnerBlocks[next]))
			next++
		}
	}
	return buf.String()
}
