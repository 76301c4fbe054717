// Package recipes reads the cocktail store shared with the touch interface.
package recipes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/modules/bottles"
	"github.com/tipsy-mixer/tipsy/controller/modules/topology"
)

type Cocktail struct {
	NormalName  string            `json:"normal_name"`
	FunName     string            `json:"fun_name,omitempty"`
	Ingredients map[string]string `json:"ingredients"`
	Favorite    bool              `json:"favorite,omitempty"`
}

func (c Cocktail) Name() string {
	if c.NormalName != "" {
		return c.NormalName
	}
	return c.FunName
}

// Names returns the ingredient names in sorted order.
func (c Cocktail) Names() []string {
	names := make([]string, 0, len(c.Ingredients))
	for n := range c.Ingredients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Requirements converts the ingredient amounts to ledger requirements,
// scaled by factor. Ingredients whose amount does not parse are returned
// separately with their error.
func (c Cocktail) Requirements(l *bottles.Ledger, factor float64) ([]bottles.Requirement, map[string]error) {
	var reqs []bottles.Requirement
	skipped := make(map[string]error)
	for _, name := range c.Names() {
		ml, err := ParseAmount(c.Ingredients[name])
		if err != nil {
			skipped[name] = err
			continue
		}
		reqs = append(reqs, l.Requirement(name, ml*factor))
	}
	return reqs, skipped
}

type Book struct {
	Cocktails []Cocktail `json:"cocktails"`
}

// Load reads the recipe store. A missing file is an empty book.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Book{}, nil
	}
	if err != nil {
		return nil, err
	}
	var b Book
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", controller.ErrParse, path, err)
	}
	return &b, nil
}

// Find matches name against the normal and fun names, ignoring case.
func (b *Book) Find(name string) (Cocktail, bool) {
	name = strings.TrimSpace(name)
	for _, c := range b.Cocktails {
		if strings.EqualFold(c.NormalName, name) || (c.FunName != "" && strings.EqualFold(c.FunName, name)) {
			return c, true
		}
	}
	return Cocktail{}, false
}

// Available returns the cocktails the rig can pour right now: every
// ingredient is mapped to a pump when t is given, and the ledger holds
// enough of each. Unparseable amounts are ignored, as the pour skips them.
func (b *Book) Available(l *bottles.Ledger, t *topology.Topology) []Cocktail {
	var out []Cocktail
	for _, c := range b.Cocktails {
		reqs, _ := c.Requirements(l, 1)
		if len(reqs) == 0 || (t != nil && !mapped(reqs, l, t)) {
			continue
		}
		if ok, _ := l.CanFulfill(reqs); ok {
			out = append(out, c)
		}
	}
	return out
}

func mapped(reqs []bottles.Requirement, l *bottles.Ledger, t *topology.Topology) bool {
	for _, r := range reqs {
		if _, ok := t.Lookup(r.Ingredient, l.Resolver().BottleID); !ok {
			return false
		}
	}
	return true
}
