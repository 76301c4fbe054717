package bottles

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var folds = strings.NewReplacer(
	"ä", "ae",
	"ö", "oe",
	"ü", "ue",
	"ß", "ss",
	"(", "",
	")", "",
)

// Normalize turns an ingredient or bottle name into a bottle id:
// "Rum (Weiß)" becomes "rum_weiss".
func Normalize(name string) string {
	s := folds.Replace(strings.ToLower(strings.TrimSpace(name)))
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), "_")
}

// Resolver maps ingredient names to bottle ids through Normalize and an
// alias table of normalized name to canonical id.
type Resolver struct {
	aliases map[string]string
}

// NewResolver validates the alias table. Two aliases that normalize to the
// same key must agree on their target, and no target may itself be an alias
// of something else.
func NewResolver(aliases map[string]string) (*Resolver, error) {
	r := &Resolver{aliases: make(map[string]string)}
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	from := make(map[string]string)
	for _, raw := range keys {
		k, v := Normalize(raw), Normalize(aliases[raw])
		if k == "" || v == "" {
			return nil, fmt.Errorf("alias %q -> %q: empty name", raw, aliases[raw])
		}
		if prev, ok := r.aliases[k]; ok && prev != v {
			return nil, fmt.Errorf("aliases %q and %q both normalize to %q but point to %q and %q", from[k], raw, k, prev, v)
		}
		r.aliases[k] = v
		from[k] = raw
	}
	for k, v := range r.aliases {
		if k == v {
			delete(r.aliases, k)
		}
	}
	for k, v := range r.aliases {
		if next, ok := r.aliases[v]; ok {
			return nil, fmt.Errorf("alias chain %q -> %q -> %q", k, v, next)
		}
	}
	return r, nil
}

// BottleID is the id of the bottle feeding ingredient.
func (r *Resolver) BottleID(ingredient string) string {
	n := Normalize(ingredient)
	if r == nil {
		return n
	}
	if v, ok := r.aliases[n]; ok {
		return v
	}
	return n
}
