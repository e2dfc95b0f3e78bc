package plugin

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-web/internal/pipeline"
)

// Descriptor is the persisted record of an installed plugin.
type Descriptor struct {
	// Seq is assigned by the Table on insert and orders reloads.
	Seq       int64                     `json:"seq"`
	Name      string                    `json:"name"`
	Bindings  map[pipeline.Event][]Bind `json:"bindings"`
	Handlers  []string                  `json:"handlers"`
	UIModules []string                  `json:"ui_modules"`
	Config    map[string]any            `json:"config"`
}

// Filter selects descriptors. The zero Filter matches everything.
type Filter struct {
	Name string
}

func (f Filter) matches(d Descriptor) bool {
	return f.Name == "" || f.Name == d.Name
}

// Table is the persistence collaborator for descriptors.
// Select returns rows ordered by Seq descending.
type Table interface {
	Select(ctx context.Context, f Filter) ([]Descriptor, error)
	Insert(ctx context.Context, d *Descriptor) error
	Update(ctx context.Context, d Descriptor) error
	Delete(ctx context.Context, f Filter) (int, error)
	Count(ctx context.Context, f Filter) (int, error)
	Exists(ctx context.Context, f Filter) (bool, error)
}

// MemoryTable is a process-local Table for embedded mode and tests.
type MemoryTable struct {
	mu   sync.Mutex
	seq  int64
	rows map[string]Descriptor
}

// NewMemoryTable returns an empty table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{rows: make(map[string]Descriptor)}
}

func (t *MemoryTable) Select(ctx context.Context, f Filter) ([]Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Descriptor
	for _, d := range t.rows {
		if f.matches(d) {
			out = append(out, cloneDescriptor(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

func (t *MemoryTable) Insert(ctx context.Context, d *Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[d.Name]; ok {
		return ErrDuplicate
	}
	t.seq++
	d.Seq = t.seq
	t.rows[d.Name] = cloneDescriptor(*d)
	return nil
}

func (t *MemoryTable) Update(ctx context.Context, d Descriptor) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.rows[d.Name]
	if !ok {
		return nil
	}
	d.Seq = old.Seq
	t.rows[d.Name] = cloneDescriptor(d)
	return nil
}

func (t *MemoryTable) Delete(ctx context.Context, f Filter) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for name, d := range t.rows {
		if f.matches(d) {
			delete(t.rows, name)
			n++
		}
	}
	return n, nil
}

func (t *MemoryTable) Count(ctx context.Context, f Filter) (int, error) {
	rows, _ := t.Select(ctx, f)
	return len(rows), nil
}

func (t *MemoryTable) Exists(ctx context.Context, f Filter) (bool, error) {
	n, _ := t.Count(ctx, f)
	return n > 0, nil
}

// cloneDescriptor deep-copies d through JSON so stored rows never alias caller maps.
func cloneDescriptor(d Descriptor) Descriptor {
	raw, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out Descriptor
	if err := json.Unmarshal(raw, &out); err != nil {
		return d
	}
	return out
}

// CloneConfig deep-copies a config blob.
func CloneConfig(c map[string]any) map[string]any {
	if c == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return c
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return out
}
