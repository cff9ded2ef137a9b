// Package content runs the save pipeline for origin documents: it keeps
// block refs unique, stores the document and rebuilds the usage index and
// the block mappings the resolver reads.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/gopersonalize/internal/blocks"
	"github.com/TimurManjosov/gopersonalize/internal/store"
)

var tracer = otel.Tracer("gopersonalize.content")

// ErrInvalidDocument is returned for documents that cannot be stored.
var ErrInvalidDocument = errors.New("invalid document")

// Kinds whose content is edited in the site editor.
var siteEditorKinds = map[string]bool{
	"wp_template":      true,
	"wp_template_part": true,
}

// MapTypeFor returns the mapping type of blocks saved in a document of kind.
func MapTypeFor(kind string) string {
	if siteEditorKinds[kind] {
		return store.MapTypeSiteEditor
	}
	return store.MapTypeBlockEditor
}

// MappingWriter replaces the mappings of one origin.
type MappingWriter interface {
	Check(ctx context.Context, postRef string, ms []store.Mapping) error
	Replace(ctx context.Context, postRef string, ms []store.Mapping) error
	DeleteByOrigin(ctx context.Context, postRef string) (int, error)
}

// Document is an origin as submitted for saving.
type Document struct {
	Ref   string `json:"ref"`
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Result describes what a save did.
type Result struct {
	Ref       string `json:"ref"`
	Body      string `json:"body"`
	Rewritten bool   `json:"rewritten"`
	Mappings  int    `json:"mappings"`
	Usage     int    `json:"usage"`
}

type Service struct {
	origins  store.OriginStore
	usage    store.UsageStore
	mappings MappingWriter
	newID    func() string
	log      zerolog.Logger
}

func NewService(origins store.OriginStore, usage store.UsageStore, mappings MappingWriter, log zerolog.Logger) *Service {
	return &Service{
		origins:  origins,
		usage:    usage,
		mappings: mappings,
		newID:    uuid.NewString,
		log:      log.With().Str("component", "content").Logger(),
	}
}

// Save stores doc and rebuilds its usage rows and mappings. Block refs that
// occur more than once are regenerated for every occurrence after the first;
// Result.Body is the body as stored.
func (s *Service) Save(ctx context.Context, doc Document) (Result, error) {
	ctx, span := tracer.Start(ctx, "content.Save")
	defer span.End()
	span.SetAttributes(attribute.String("ref", doc.Ref), attribute.String("kind", doc.Kind))

	if strings.TrimSpace(doc.Ref) == "" {
		return Result{}, fmt.Errorf("%w: ref must not be empty", ErrInvalidDocument)
	}

	body := doc.Body
	var personalized []*blocks.Block
	if blocks.MayContainPersonalization(body) {
		var changed bool
		body, changed = s.uniqueRefs(body, currentBlocks(blocks.Parse(body)))
		personalized = currentBlocks(blocks.Parse(body))
		if changed {
			s.log.Info().Str("ref", doc.Ref).Msg("regenerated duplicate block refs")
		}
	}
	res := Result{
		Ref:       doc.Ref,
		Body:      body,
		Rewritten: blocks.Checksum(body) != blocks.Checksum(doc.Body),
	}

	mapType := MapTypeFor(doc.Kind)
	maps := make([]store.Mapping, 0, len(personalized))
	var usage []store.Usage
	for _, b := range personalized {
		p, _ := b.Personalization()
		maps = append(maps, store.Mapping{BlockRef: p.BlockID, PostRef: doc.Ref, MapType: mapType})
		for _, id := range p.RuleIDs {
			usage = append(usage, store.Usage{BlockRef: p.BlockID, RuleID: id, PostRef: doc.Ref, Name: b.Name})
		}
	}

	// a ref mapped by another origin aborts before anything is written
	if err := s.mappings.Check(ctx, doc.Ref, maps); err != nil {
		return s.fail(span, fmt.Errorf("store mappings: %w", err))
	}
	if err := s.origins.PutOrigin(ctx, store.Origin{Ref: doc.Ref, Kind: doc.Kind, Title: doc.Title, Body: body}); err != nil {
		return s.fail(span, fmt.Errorf("store origin: %w", err))
	}

	if err := s.mappings.Replace(ctx, doc.Ref, maps); err != nil {
		return s.fail(span, fmt.Errorf("store mappings: %w", err))
	}
	if err := s.usage.ReplaceUsage(ctx, doc.Ref, usage); err != nil {
		return s.fail(span, fmt.Errorf("store usage: %w", err))
	}

	res.Mappings, res.Usage = len(maps), len(usage)
	span.SetAttributes(attribute.Int("mappings", res.Mappings), attribute.Bool("rewritten", res.Rewritten))
	s.log.Debug().Str("ref", doc.Ref).Int("mappings", res.Mappings).Int("usage", res.Usage).Msg("content saved")
	return res, nil
}

func (s *Service) fail(span trace.Span, err error) (Result, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return Result{}, err
}

// Delete removes the origin with its mappings and usage rows.
func (s *Service) Delete(ctx context.Context, ref string) error {
	ctx, span := tracer.Start(ctx, "content.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("ref", ref))

	if _, err := s.mappings.DeleteByOrigin(ctx, ref); err != nil {
		return fmt.Errorf("delete mappings: %w", err)
	}
	if err := s.usage.ReplaceUsage(ctx, ref, nil); err != nil {
		return fmt.Errorf("delete usage: %w", err)
	}
	if err := s.origins.DeleteOrigin(ctx, ref); err != nil {
		return fmt.Errorf("delete origin: %w", err)
	}
	return nil
}

// currentBlocks returns the blocks bound through the current attributes,
// with a block ref, in document order.
func currentBlocks(doc []*blocks.Block) []*blocks.Block {
	var out []*blocks.Block
	for _, b := range blocks.Personalized(doc) {
		if p, _ := b.Personalization(); !p.Legacy && p.BlockID != "" {
			out = append(out, b)
		}
	}
	return out
}

// blockIDAttr matches the block ref attribute inside a delimiter's JSON,
// capturing the raw string literal.
var blockIDAttr = regexp.MustCompile(`"` + blocks.AttrBlockID + `"\s*:\s*("(?:[^"\\]|\\.)*")`)

// uniqueRefs rewrites every occurrence of a block ref after its first with a
// fresh one. Only attributes of blocks in found are considered; their
// delimiters are located through blocks.Delimiters.
func (s *Service) uniqueRefs(body string, found []*blocks.Block) (string, bool) {
	want := make(map[string]bool, len(found))
	for _, b := range found {
		p, _ := b.Personalization()
		want[p.BlockID] = true
	}

	var out strings.Builder
	seen := make(map[string]bool, len(found))
	last := 0
	for _, d := range blocks.Delimiters(body) {
		attrs := body[d.AttrsStart:d.AttrsEnd]
		for _, m := range blockIDAttr.FindAllStringSubmatchIndex(attrs, -1) {
			var id string
			if err := json.Unmarshal([]byte(attrs[m[2]:m[3]]), &id); err != nil || !want[id] {
				continue
			}
			if !seen[id] {
				seen[id] = true
				continue
			}
			out.WriteString(body[last : d.AttrsStart+m[2]])
			out.WriteString(strconv.Quote(s.newID()))
			last = d.AttrsStart + m[3]
		}
	}
	if last == 0 {
		return body, false
	}
	out.WriteString(body[last:])
	return out.String(), true
}
