package blocks

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/TimurManjosov/gopersonalize/internal/conditions"
)

// Attribute keys of personalized blocks.
const (
	AttrPersonalize = "personalizewp"
	AttrBlockID     = "blockID"
	AttrRules       = "rules"
	AttrAction      = "action"

	AttrLegacyID     = "wpDxpId"
	AttrLegacyRule   = "wpDxpRule"
	AttrLegacyAction = "wpDxpAction"

	// ReusableBlock is the block embedding a reusable pattern by "ref".
	ReusableBlock = "core/block"
)

// Personalization is the rule binding carried by a block.
type Personalization struct {
	BlockID string
	RuleIDs []int64
	Action  conditions.Action
	Legacy  bool
}

// HasRules reports whether the binding references any rule.
func (p Personalization) HasRules() bool { return len(p.RuleIDs) > 0 }

// Personalization returns the block's binding. Current attributes take
// precedence over legacy ones; ok is false when neither carries an id.
func (b *Block) Personalization() (Personalization, bool) {
	if pwp, ok := b.Attrs[AttrPersonalize].(map[string]any); ok {
		if id := stringAttr(pwp[AttrBlockID]); id != "" {
			return Personalization{
				BlockID: id,
				RuleIDs: ruleIDs(pwp[AttrRules]),
				Action:  conditions.ParseAction(stringAttr(pwp[AttrAction])),
			}, true
		}
	}
	if id := stringAttr(b.Attrs[AttrLegacyID]); id != "" {
		return Personalization{
			BlockID: id,
			RuleIDs: ruleIDs(b.Attrs[AttrLegacyRule]),
			Action:  conditions.ParseAction(stringAttr(b.Attrs[AttrLegacyAction])),
			Legacy:  true,
		}, true
	}
	return Personalization{}, false
}

// ReusableRef returns the origin ref of a core/block pattern embed.
func (b *Block) ReusableRef() (string, bool) {
	if b.Name != ReusableBlock {
		return "", false
	}
	ref := stringAttr(b.Attrs["ref"])
	return ref, ref != ""
}

func stringAttr(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
	}
	return ""
}

// ruleIDs accepts an array of ids or a comma-separated string. Blank,
// non-numeric and repeated ids are dropped.
func ruleIDs(v any) []int64 {
	var raw []string
	switch x := v.(type) {
	case string:
		raw = strings.Split(x, ",")
	case json.Number:
		raw = []string{x.String()}
	case []any:
		for _, item := range x {
			raw = append(raw, stringAttr(item))
		}
	}

	var ids []int64
	seen := make(map[int64]bool, len(raw))
	for _, s := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil || id <= 0 || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// Find returns the first block, depth first, whose current binding carries
// ref.
func Find(list []*Block, ref string) *Block {
	return find(list, func(p Personalization) bool { return !p.Legacy && p.BlockID == ref })
}

// FindLegacy returns the first block whose legacy binding carries id.
func FindLegacy(list []*Block, id string) *Block {
	return find(list, func(p Personalization) bool { return p.Legacy && p.BlockID == id })
}

func find(list []*Block, match func(Personalization) bool) *Block {
	for _, b := range list {
		if p, ok := b.Personalization(); ok && match(p) {
			return b
		}
		if found := find(b.InnerBlocks, match); found != nil {
			return found
		}
	}
	return nil
}

// Walk visits every block depth first in document order.
func Walk(list []*Block, fn func(*Block)) {
	for _, b := range list {
		fn(b)
		Walk(b.InnerBlocks, fn)
	}
}

// Personalized returns every block with a binding, in document order.
func Personalized(list []*Block) []*Block {
	var out []*Block
	Walk(list, func(b *Block) {
		if _, ok := b.Personalization(); ok {
			out = append(out, b)
		}
	})
	return out
}

// MayContainPersonalization is a cheap pre-parse check on raw markup.
func MayContainPersonalization(doc string) bool {
	return strings.Contains(doc, `"`+AttrPersonalize+`"`) || strings.Contains(doc, `"`+AttrLegacyID+`"`)
}

// Checksum fingerprints raw markup.
func Checksum(doc string) uint64 {
	return xxhash.Sum64String(doc)
}
