// Package resolver turns block references plus a visitor's context into the
// rendered markup of each referenced block, or nil where the block is
// suppressed or cannot be found.
//
// The resolver holds no per-visitor state. Every call parses each origin at
// most once and answers duplicate refs from a per-call memo; a failure on one
// ref never affects the others.
package resolver

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/TimurManjosov/gopersonalize/internal/blocks"
	"github.com/TimurManjosov/gopersonalize/internal/conditions"
	"github.com/TimurManjosov/gopersonalize/internal/render"
	"github.com/TimurManjosov/gopersonalize/internal/store"
	"github.com/TimurManjosov/gopersonalize/internal/telemetry"
)

var tracer = otel.Tracer("gopersonalize.resolver")

// Outcomes recorded per ref.
const (
	outcomeRendered   = "rendered"
	outcomeSuppressed = "suppressed"
	outcomeNoMapping  = "no_mapping"
	outcomeNoOrigin   = "no_origin"
	outcomeNoBlock    = "no_block"
)

// MappingReader looks up the origin of block refs.
type MappingReader interface {
	GetMany(ctx context.Context, refs []string) (map[string]store.Mapping, error)
}

// OriginReader loads stored origin content.
type OriginReader interface {
	GetOrigin(ctx context.Context, ref string) (*store.Origin, error)
}

// Loader returns the parsed blocks of the origin postRef for one map type.
type Loader func(ctx context.Context, postRef string) ([]*blocks.Block, error)

// LegacyRef addresses a block saved with the legacy attributes.
type LegacyRef struct {
	BlockID string `json:"block_id"`
	PostID  string `json:"post_id"`
}

type Resolver struct {
	mappings MappingReader
	render   *render.Evaluator
	loaders  map[string]Loader
	log      zerolog.Logger
}

type Option func(*Resolver)

// WithLoader registers the loader for origins of the given map type,
// replacing the built-in one when kind is already known.
func WithLoader(kind string, fn Loader) Option {
	return func(r *Resolver) { r.loaders[kind] = fn }
}

// New builds a Resolver. Block editor and site editor origins are both loaded
// from origins.
func New(mappings MappingReader, origins OriginReader, ev *render.Evaluator, log zerolog.Logger, opts ...Option) *Resolver {
	fromStore := OriginLoader(origins)
	r := &Resolver{
		mappings: mappings,
		render:   ev,
		loaders: map[string]Loader{
			store.MapTypeBlockEditor: fromStore,
			store.MapTypeSiteEditor:  fromStore,
		},
		log: log.With().Str("component", "resolver").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OriginLoader parses origins read from src.
func OriginLoader(src OriginReader) Loader {
	return func(ctx context.Context, postRef string) ([]*blocks.Block, error) {
		o, err := src.GetOrigin(ctx, postRef)
		if err != nil {
			return nil, err
		}
		return blocks.Parse(o.Body), nil
	}
}

// run holds the memo of one Resolve call.
type run struct {
	r       *Resolver
	env     conditions.Env
	origins map[string][]*blocks.Block
	failed  map[string]bool
}

func (r *Resolver) newRun(env conditions.Env) *run {
	return &run{r: r, env: env, origins: map[string][]*blocks.Block{}, failed: map[string]bool{}}
}

func (rn *run) load(ctx context.Context, kind, postRef string) ([]*blocks.Block, bool) {
	key := kind + "\x00" + postRef
	if doc, ok := rn.origins[key]; ok {
		return doc, true
	}
	if rn.failed[key] {
		return nil, false
	}
	loader, ok := rn.r.loaders[kind]
	if !ok {
		rn.failed[key] = true
		return nil, false
	}
	doc, err := loader(ctx, postRef)
	if err != nil {
		rn.r.log.Debug().Err(err).Str("post_ref", postRef).Str("map_type", kind).Msg("origin unavailable")
		rn.failed[key] = true
		return nil, false
	}
	rn.origins[key] = doc
	return doc, true
}

func (rn *run) evaluate(ctx context.Context, blk *blocks.Block) (*string, string) {
	out, visible := rn.r.render.Resolve(ctx, blk, rn.env)
	if !visible {
		return nil, outcomeSuppressed
	}
	out = strings.TrimSpace(out)
	return &out, outcomeRendered
}

// Resolve returns one entry per ref, in order: the rendered block or nil.
func (r *Resolver) Resolve(ctx context.Context, refs []string, env conditions.Env) []*string {
	ctx, span := tracer.Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("refs", len(refs)))

	out := make([]*string, len(refs))
	found, err := r.mappings.GetMany(ctx, refs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error().Err(err).Msg("mapping lookup failed")
		telemetry.ResolverBlocks.WithLabelValues(outcomeNoMapping).Add(float64(len(refs)))
		return out
	}

	rn := r.newRun(env)
	memo := make(map[string]*string, len(refs))
	rendered := 0
	for i, ref := range refs {
		if res, ok := memo[ref]; ok {
			out[i] = res
			continue
		}
		res, outcome := rn.resolveOne(ctx, ref, found)
		telemetry.ResolverBlocks.WithLabelValues(outcome).Inc()
		if res != nil {
			rendered++
		}
		memo[ref] = res
		out[i] = res
	}
	span.SetAttributes(attribute.Int("rendered", rendered))
	return out
}

func (rn *run) resolveOne(ctx context.Context, ref string, found map[string]store.Mapping) (*string, string) {
	m, ok := found[ref]
	if !ok {
		return nil, outcomeNoMapping
	}
	doc, ok := rn.load(ctx, m.MapType, m.PostRef)
	if !ok {
		return nil, outcomeNoOrigin
	}
	blk := blocks.Find(doc, ref)
	if blk == nil {
		return nil, outcomeNoBlock
	}
	return rn.evaluate(ctx, blk)
}

// ResolveLegacy resolves blocks addressed by legacy id and origin. Legacy
// blocks only live in block editor content.
func (r *Resolver) ResolveLegacy(ctx context.Context, refs []LegacyRef, env conditions.Env) []*string {
	ctx, span := tracer.Start(ctx, "resolver.ResolveLegacy")
	defer span.End()
	span.SetAttributes(attribute.Int("refs", len(refs)))

	rn := r.newRun(env)
	memo := make(map[LegacyRef]*string, len(refs))
	out := make([]*string, len(refs))
	for i, ref := range refs {
		if res, ok := memo[ref]; ok {
			out[i] = res
			continue
		}
		res, outcome := rn.resolveLegacy(ctx, ref)
		telemetry.ResolverBlocks.WithLabelValues(outcome).Inc()
		memo[ref] = res
		out[i] = res
	}
	return out
}

func (rn *run) resolveLegacy(ctx context.Context, ref LegacyRef) (*string, string) {
	doc, ok := rn.load(ctx, store.MapTypeBlockEditor, ref.PostID)
	if !ok {
		return nil, outcomeNoOrigin
	}
	blk := blocks.FindLegacy(doc, ref.BlockID)
	if blk == nil {
		return nil, outcomeNoBlock
	}
	return rn.evaluate(ctx, blk)
}

