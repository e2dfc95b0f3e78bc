package pipeline

// Binding is one resolved entry of the event index.
type Binding struct {
	Plugin   string
	Target   string
	Callback string
	Handler  Handler
}

// Index maps each event to its handlers in registration order.
// An Index is never mutated after it is published.
type Index map[Event][]Binding

// Resolve returns the bindings for event whose pattern matches identity,
// preserving registration order.
func (ix Index) Resolve(event Event, identity string) []Binding {
	var out []Binding
	for _, b := range ix[event] {
		if Match(b.Target, identity) {
			out = append(out, b)
		}
	}
	return out
}

// Len counts all bindings across events.
func (ix Index) Len() int {
	n := 0
	for _, list := range ix {
		n += len(list)
	}
	return n
}

// StaticSource serves a fixed Index.
type StaticSource Index

func (s StaticSource) Index() Index { return Index(s) }
