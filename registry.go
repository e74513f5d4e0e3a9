package strait

import (
	"fmt"
	"regexp"

	"github.com/armon/go-radix"
)

var serviceNameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._/-]{0,254})$`)

// registry maps service names to handlers. It is filled by `NewServer` and
// only read afterwards.
type registry struct {
	tree *radix.Tree
}

func newRegistry() *registry {
	return &registry{tree: radix.New()}
}

func (r *registry) register(name string, handler Handler) error {
	if !serviceNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrServiceName, name)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrConfiguration, name)
	}
	if _, exists := r.tree.Get(name); exists {
		return fmt.Errorf("%w: %q", ErrServiceConflict, name)
	}
	r.tree.Insert(name, handler)
	return nil
}

func (r *registry) lookup(name string) (Handler, bool) {
	v, ok := r.tree.Get(name)
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

// services lists registered names sharing a prefix in lexical order. An
// empty prefix lists them all.
func (r *registry) services(prefix string) []string {
	var names []string
	r.tree.WalkPrefix(prefix, func(name string, _ interface{}) bool {
		names = append(names, name)
		return false
	})
	return names
}
