// Package topology reads the pump configuration file, which maps pump labels
// ("Pump 1" .. "Pump N") to the ingredient loaded on that line.
package topology

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/storage"
)

const labelPrefix = "Pump"

type Slot struct {
	Label      string `json:"-"`
	Pump       int    `json:"-"`
	Ingredient string `json:"ingredient"`
	Carbonated bool   `json:"carbonated"`
}

// Topology is read-only once loaded. Slots are ordered by pump number.
type Topology struct {
	Slots []Slot
	// Legacy is set when at least one entry used the plain string format or
	// lacked the carbonated flag.
	Legacy bool
}

func Label(pump int) string {
	return fmt.Sprintf("%s %d", labelPrefix, pump)
}

// PumpNumber parses "Pump N" into N.
func PumpNumber(label string) (int, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(label), labelPrefix))
	n, err := strconv.Atoi(rest)
	if err != nil || !strings.HasPrefix(strings.TrimSpace(label), labelPrefix) {
		return 0, fmt.Errorf("%w: invalid pump label %q", controller.ErrConfiguration, label)
	}
	return n, nil
}

type entry struct {
	Ingredient *string `json:"ingredient"`
	Name       *string `json:"name"`
	Carbonated *bool   `json:"carbonated"`
}

// Parse accepts both {"Pump 1": "gin"} and
// {"Pump 1": {"ingredient": "gin", "carbonated": true}}.
func Parse(data []byte) (*Topology, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: pump config: %v", controller.ErrConfiguration, err)
	}
	t := &Topology{}
	for label, v := range raw {
		n, err := PumpNumber(label)
		if err != nil {
			return nil, err
		}
		slot := Slot{Label: Label(n), Pump: n}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			slot.Ingredient = s
			t.Legacy = true
		} else {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", controller.ErrConfiguration, label, err)
			}
			switch {
			case e.Ingredient != nil:
				slot.Ingredient = *e.Ingredient
			case e.Name != nil:
				slot.Ingredient = *e.Name
				t.Legacy = true
			}
			if e.Carbonated == nil {
				t.Legacy = true
			} else {
				slot.Carbonated = *e.Carbonated
			}
		}
		slot.Ingredient = strings.TrimSpace(slot.Ingredient)
		t.Slots = append(t.Slots, slot)
	}
	sort.Slice(t.Slots, func(i, j int) bool { return t.Slots[i].Pump < t.Slots[j].Pump })
	for i := 1; i < len(t.Slots); i++ {
		if t.Slots[i].Pump == t.Slots[i-1].Pump {
			return nil, fmt.Errorf("%w: pump %d configured twice", controller.ErrConfiguration, t.Slots[i].Pump)
		}
	}
	return t, nil
}

// Load reads the pump configuration at path. A missing file is a
// configuration error.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: pump config %s not found", controller.ErrConfiguration, path)
		}
		return nil, fmt.Errorf("%w: %v", controller.ErrConfiguration, err)
	}
	return Parse(data)
}

// Lookup returns the slot loaded with ingredient. When several slots carry
// it, the lowest pump number wins.
func (t *Topology) Lookup(ingredient string, normalize func(string) string) (Slot, bool) {
	want := normalize(ingredient)
	for _, s := range t.Slots {
		if s.Ingredient != "" && normalize(s.Ingredient) == want {
			return s, true
		}
	}
	return Slot{}, false
}

// Duplicates lists ingredients mapped to more than one pump, keyed by the
// normalized name.
func (t *Topology) Duplicates(normalize func(string) string) map[string][]int {
	seen := make(map[string][]int)
	for _, s := range t.Slots {
		if s.Ingredient == "" {
			continue
		}
		k := normalize(s.Ingredient)
		seen[k] = append(seen[k], s.Pump)
	}
	dup := make(map[string][]int)
	for k, pumps := range seen {
		if len(pumps) > 1 {
			dup[k] = pumps
		}
	}
	return dup
}

// WarnDuplicates logs every ingredient wired to several pumps.
func (t *Topology) WarnDuplicates(log *zap.Logger, normalize func(string) string) {
	for k, pumps := range t.Duplicates(normalize) {
		log.Warn("ingredient mapped to several pumps, the lowest pump number is used",
			zap.String("ingredient", k),
			zap.Ints("pumps", pumps))
	}
}

// Ingredients returns the assigned ingredient names in pump order.
func (t *Topology) Ingredients() []string {
	var out []string
	for _, s := range t.Slots {
		if s.Ingredient != "" {
			out = append(out, s.Ingredient)
		}
	}
	return out
}

func (t *Topology) MarshalJSON() ([]byte, error) {
	m := make(map[string]Slot, len(t.Slots))
	for _, s := range t.Slots {
		m[Label(s.Pump)] = s
	}
	return json.Marshal(m)
}

// Save writes t in the extended format.
func Save(path string, t *Topology) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFile(path, data, 0o644)
}

// Migrate rewrites a legacy pump config in the extended format. It reports
// whether the file changed.
func Migrate(path string) (bool, error) {
	t, err := Load(path)
	if err != nil {
		return false, err
	}
	if !t.Legacy {
		return false, nil
	}
	t.Legacy = false
	return true, Save(path, t)
}
