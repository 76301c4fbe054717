package pour

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tipsy-mixer/tipsy/controller"
	"github.com/tipsy-mixer/tipsy/controller/storage"
)

const historyBucket = "pours"

// History keeps finished pours in the local database.
type History struct {
	store storage.Store
}

func NewHistory(s storage.Store) (*History, error) {
	if err := s.CreateBucket(historyBucket); err != nil {
		return nil, err
	}
	return &History{store: s}, nil
}

// Add always creates a new entry so earlier pours are never overwritten.
func (h *History) Add(r Record) error {
	return h.store.Create(historyBucket, func(_ string) interface{} {
		return &r
	})
}

// List returns the last limit pours, newest first. A limit of zero or less
// returns every pour.
func (h *History) List(limit int) ([]Record, error) {
	type keyed struct {
		seq int
		rec Record
	}
	var all []keyed
	err := h.store.List(historyBucket, func(k string, v []byte) error {
		var r Record
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		seq, _ := strconv.Atoi(k)
		all = append(all, keyed{seq: seq, rec: r})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]Record, len(all))
	for i, k := range all {
		out[i] = k.rec
	}
	return out, nil
}

func (h *History) Find(id string) (Record, error) {
	list, err := h.List(0)
	if err != nil {
		return Record{}, err
	}
	for _, r := range list {
		if r.ID == id {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: pour %s", controller.ErrNotFound, id)
}
