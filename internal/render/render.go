// Package render turns parsed blocks into markup, either cache safe with
// placeholders standing in for rule-bearing blocks, or fully evaluated for
// one visitor.
package render

import (
	"context"
	"html"
	"sort"
	"strings"

	"github.com/TimurManjosov/gopersonalize/internal/blocks"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

// RuleSource resolves rule ids, usually the current rules snapshot.
type RuleSource interface {
	Rule(id int64) (rules.Rule, bool)
}

// PatternLoader returns the parsed blocks of a reusable pattern origin.
type PatternLoader func(ctx context.Context, ref string) ([]*blocks.Block, error)

// maxPatternDepth bounds nested reusable pattern expansion.
const maxPatternDepth = 8

// Interceptor renders pages for shared caches: every block carrying rules is
// replaced by a placeholder the visitor runtime resolves later.
type Interceptor struct {
	eval     *rules.Evaluator
	rules    RuleSource
	patterns PatternLoader
}

type InterceptorOption func(*Interceptor)

// WithPatterns expands core/block embeds through load.
func WithPatterns(load PatternLoader) InterceptorOption {
	return func(i *Interceptor) { i.patterns = load }
}

func NewInterceptor(eval *rules.Evaluator, src RuleSource, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{eval: eval, rules: src}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Render renders a document stored under originRef.
func (i *Interceptor) Render(ctx context.Context, doc []*blocks.Block, originRef string) string {
	return i.renderList(ctx, doc, originRef, map[string]bool{originRef: true})
}

func (i *Interceptor) renderList(ctx context.Context, doc []*blocks.Block, postRef string, open map[string]bool) string {
	var b strings.Builder
	for _, blk := range doc {
		b.WriteString(i.renderBlock(ctx, blk, postRef, open))
	}
	return b.String()
}

// renderBlock renders blk; postRef is the origin of the innermost reusable
// pattern enclosing it, or the page's own origin. open holds the patterns
// currently being expanded.
func (i *Interceptor) renderBlock(ctx context.Context, blk *blocks.Block, postRef string, open map[string]bool) string {
	if p, ok := blk.Personalization(); ok && p.HasRules() {
		return i.Placeholder(p, postRef)
	}
	if ref, ok := blk.ReusableRef(); ok && i.patterns != nil && !open[ref] && len(open) <= maxPatternDepth {
		inner, err := i.patterns(ctx, ref)
		if err != nil {
			return ""
		}
		open[ref] = true
		defer delete(open, ref)
		return i.renderList(ctx, inner, ref, open)
	}
	return blk.Render(func(inner *blocks.Block) string {
		return i.renderBlock(ctx, inner, postRef, open)
	})
}

// Placeholder builds the tag standing in for a personalized block.
func (i *Interceptor) Placeholder(p blocks.Personalization, postRef string) string {
	var b strings.Builder
	if p.Legacy {
		b.WriteString(`<wp-dxp post-id="`)
		b.WriteString(html.EscapeString(postRef))
		b.WriteString(`" block-id="`)
	} else {
		b.WriteString(`<pwp-block block-id="`)
	}
	b.WriteString(html.EscapeString(p.BlockID))
	b.WriteByte('"')

	attrs := i.tagAttributes(p)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(html.EscapeString(k))
		b.WriteString(`="`)
		b.WriteString(html.EscapeString(attrs[k]))
		b.WriteByte('"')
	}

	if p.Legacy {
		b.WriteString("></wp-dxp>")
	} else {
		b.WriteString("></pwp-block>")
	}
	return b.String()
}

func (i *Interceptor) tagAttributes(p blocks.Personalization) map[string]string {
	attrs := map[string]string{}
	for _, id := range p.RuleIDs {
		r, ok := i.rules.Rule(id)
		if !ok {
			continue
		}
		for k, v := range i.eval.TagAttributes(r, p.Action) {
			attrs[k] = v
		}
	}
	return attrs
}

// Evaluator renders blocks for one visitor, never emitting placeholders.
type Evaluator struct {
	eval     *rules.Evaluator
	rules    RuleSource
	patterns PatternLoader
}

type EvaluatorOption func(*Evaluator)

// ExpandPatterns expands core/block embeds through load, with the same depth
// limit and cycle guard as the Interceptor.
func ExpandPatterns(load PatternLoader) EvaluatorOption {
	return func(e *Evaluator) { e.patterns = load }
}

func NewEvaluator(eval *rules.Evaluator, src RuleSource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{eval: eval, rules: src}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Visible decides whether a block renders for the visitor. Every rule of the
// block must allow it; a rule that is missing or unusable suppresses it.
//
//	show & matched   -> render
//	show & unmatched -> suppress
//	hide & matched   -> suppress
//	hide & unmatched -> render
func (e *Evaluator) Visible(ctx context.Context, blk *blocks.Block, env conditions.Env) bool {
	p, ok := blk.Personalization()
	if !ok || !p.HasRules() {
		return true
	}
	for _, id := range p.RuleIDs {
		r, ok := e.rules.Rule(id)
		if !ok || !e.eval.IsUsable(r) {
			return false
		}
		matched := e.eval.ConditionsMatched(ctx, r, env, p.Action)
		if matched == (p.Action == conditions.ActionHide) {
			return false
		}
	}
	return true
}

// Resolve renders blk for the visitor and reports whether blk itself is
// visible. Inner blocks are evaluated on their own.
func (e *Evaluator) Resolve(ctx context.Context, blk *blocks.Block, env conditions.Env) (string, bool) {
	return e.resolve(ctx, blk, env, map[string]bool{})
}

// resolve renders blk; open holds the patterns currently being expanded.
func (e *Evaluator) resolve(ctx context.Context, blk *blocks.Block, env conditions.Env, open map[string]bool) (string, bool) {
	if !e.Visible(ctx, blk, env) {
		return "", false
	}
	if ref, ok := blk.ReusableRef(); ok && e.patterns != nil && !open[ref] && len(open) < maxPatternDepth {
		inner, err := e.patterns(ctx, ref)
		if err != nil {
			return "", true
		}
		open[ref] = true
		defer delete(open, ref)
		return e.renderList(ctx, inner, env, open), true
	}
	return blk.Render(func(inner *blocks.Block) string {
		out, _ := e.resolve(ctx, inner, env, open)
		return out
	}), true
}

// RenderBlock renders blk and its inner blocks for the visitor. A suppressed
// block renders as "".
func (e *Evaluator) RenderBlock(ctx context.Context, blk *blocks.Block, env conditions.Env) string {
	out, _ := e.Resolve(ctx, blk, env)
	return out
}

// Render renders a whole document for the visitor.
func (e *Evaluator) Render(ctx context.Context, doc []*blocks.Block, env conditions.Env) string {
	return e.renderList(ctx, doc, env, map[string]bool{})
}

func (e *Evaluator) renderList(ctx context.Context, doc []*blocks.Block, env conditions.Env, open map[string]bool) string {
	var b strings.Builder
	for _, blk := range doc {
		out, _ := e.resolve(ctx, blk, env, open)
		b.WriteString(out)
	}
	return b.String()
}
