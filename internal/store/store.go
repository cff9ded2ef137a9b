package store

import (
	"context"
	"errors"
	"time"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
)

var (
	// ErrNotFound is returned when a rule, category or origin does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMapping is returned when a block ref is already mapped.
	ErrDuplicateMapping = errors.New("block ref already mapped")
)

// Map types of a Mapping.
const (
	MapTypeBlockEditor = "block-editor"
	MapTypeSiteEditor  = "site-editor"
)

// Mapping links a block ref to the origin content holding it.
type Mapping struct {
	BlockRef string `json:"block_ref"`
	PostRef  string `json:"post_ref"`
	MapType  string `json:"map_type"`
}

// Origin is stored content: a page, a reusable pattern or a template.
type Origin struct {
	Ref       string    `json:"ref"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage records that a block inside an origin references a rule.
type Usage struct {
	BlockRef string `json:"block_ref"`
	RuleID   int64  `json:"rule_id"`
	PostRef  string `json:"post_ref"`
	Name     string `json:"name"`
}

// RuleStore persists rules and their categories.
type RuleStore interface {
	// ListRules returns every rule ordered by id.
	ListRules(ctx context.Context) ([]rules.Rule, error)
	GetRule(ctx context.Context, id int64) (*rules.Rule, error)
	// CreateRule assigns the id and timestamps and returns the stored rule.
	CreateRule(ctx context.Context, r rules.Rule) (rules.Rule, error)
	// UpdateRule replaces a rule's content, keeping id and creation fields.
	UpdateRule(ctx context.Context, r rules.Rule) (rules.Rule, error)
	DeleteRule(ctx context.Context, id int64) error

	ListCategories(ctx context.Context) ([]rules.Category, error)
	CreateCategory(ctx context.Context, name string) (rules.Category, error)
}

// MappingStore persists block mappings. Rows are only ever inserted,
// selected or deleted per origin.
type MappingStore interface {
	InsertMapping(ctx context.Context, m Mapping) error
	// GetMappings returns the mappings found for refs, keyed by block ref.
	GetMappings(ctx context.Context, refs []string) (map[string]Mapping, error)
	// DeleteMappingsByOrigin removes every mapping of postRef and reports
	// how many were removed.
	DeleteMappingsByOrigin(ctx context.Context, postRef string) (int, error)
}

// OriginStore persists content origins.
type OriginStore interface {
	GetOrigin(ctx context.Context, ref string) (*Origin, error)
	PutOrigin(ctx context.Context, o Origin) error
	DeleteOrigin(ctx context.Context, ref string) error
}

// UsageStore persists the usage index of rules by blocks.
type UsageStore interface {
	// ReplaceUsage swaps all usage rows of postRef for rows.
	ReplaceUsage(ctx context.Context, postRef string, rows []Usage) error
	ListUsage(ctx context.Context, ruleID int64) ([]Usage, error)
}

// Store is the full persistence contract.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	RuleStore
	MappingStore
	OriginStore
	UsageStore

	// Close releases any resources held by the store.
	Close() error
}
