package conditions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDuplicateCondition is returned when an identifier is registered twice.
var ErrDuplicateCondition = errors.New("duplicate condition identifier")

// Registry maps condition identifiers to their types. Registration happens
// while wiring the process; afterwards the registry is only read, so lookups
// take no locks.
type Registry struct {
	byID    map[string]Condition
	aliases map[string]string
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]Condition),
		aliases: make(map[string]string),
	}
}

// Register adds a condition type under its identifier.
func (r *Registry) Register(c Condition) error {
	id := c.Identifier()
	if id == "" {
		return fmt.Errorf("%w: empty identifier", ErrDuplicateCondition)
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCondition, id)
	}
	r.byID[id] = c
	r.order = append(r.order, id)
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(cs ...Condition) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Alias makes alias resolve to the condition registered as id.
func (r *Registry) Alias(alias, id string) {
	r.aliases[alias] = id
}

// Lookup returns the condition type for identifier, or false when none is
// registered.
func (r *Registry) Lookup(identifier string) (Condition, bool) {
	if c, ok := r.byID[identifier]; ok {
		return c, true
	}
	if id, ok := r.aliases[identifier]; ok {
		c, ok := r.byID[id]
		return c, ok
	}
	return nil, false
}

// List returns every registered condition in registration order.
func (r *Registry) List() []Condition {
	out := make([]Condition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Grouped returns the conditions keyed by category, each group sorted by
// description.
func (r *Registry) Grouped() map[string][]Condition {
	groups := make(map[string][]Condition)
	for _, c := range r.List() {
		groups[c.Category()] = append(groups[c.Category()], c)
	}
	for _, g := range groups {
		sort.SliceStable(g, func(i, j int) bool {
			return g[i].Description() < g[j].Description()
		})
	}
	return groups
}

// Deps are the host capabilities condition types may need.
type Deps struct {
	Geo      GeoLocator
	Commerce CommerceProvider
	// Roles lists the assignable account roles offered as comparison values.
	Roles []string
}

// DefaultRoles is used when Deps.Roles is empty.
var DefaultRoles = []string{"administrator", "editor", "author", "contributor", "subscriber", "customer"}

// Default builds the registry with every built-in condition type. Each core_*
// identifier also resolves without its prefix.
func Default(deps Deps) *Registry {
	roles := deps.Roles
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	commerce := NewCommerceDependency(deps.Commerce)

	r := NewRegistry()
	r.MustRegister(
		NewVisitorCountry(deps.Geo),
		NewLoggedIn(),
		NewNewVisitor(),
		NewTimeElapsed(),
		NewDeviceType(),
		NewUserRole(roles),
		NewLastVisit(),
		NewVisitingTime(),
		NewSpecificVisitingTime(),
		NewVisitingDate(),
		NewVisitingDay(),
		NewQueryString(),
		NewReferrer(),
		NewCookie(),
		NewUTMTag("utm_campaign", "UTM Campaign"),
		NewUTMTag("utm_content", "UTM Content"),
		NewUTMTag("utm_medium", "UTM Medium"),
		NewUTMTag("utm_source", "UTM Source"),
		NewUTMTag("utm_term", "UTM Term"),
		NewCompletedPurchase(deps.Commerce, commerce),
		NewTotalSpend(deps.Commerce, commerce),
		NewProductsPurchased(deps.Commerce, commerce),
		NewCartContents(deps.Commerce, commerce),
	)
	for _, id := range r.order {
		if short, ok := strings.CutPrefix(id, "core_"); ok {
			r.Alias(short, id)
		}
	}
	return r
}
