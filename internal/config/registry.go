package config

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// Key describes a configuration key. Packages that read configuration
// register their keys from init().
type Key struct {
	Name        string // Dotted path, e.g. "server.port".
	Description string
	Type        string // Informational: "string", "int", "duration", "[]string", ...
	Default     any
	Allowed     []string // When set, the only accepted values.
	ReplacedBy  string   // Set for deprecated keys.
}

// Deprecated reports whether the key has been superseded.
func (k Key) Deprecated() bool { return k.ReplacedBy != "" }

var (
	registryMu sync.RWMutex
	registry   = map[string]Key{}
)

// Register adds keys to the registry, replacing any with the same name.
func Register(keys ...Key) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, k := range keys {
		registry[k.Name] = k
	}
}

// Deprecate registers name as a retired key superseded by replacement.
func Deprecate(name, replacement string) {
	Register(Key{Name: name, ReplacedBy: replacement})
}

// Lookup returns the registered key with name.
func Lookup(name string) (Key, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	k, ok := registry[name]
	return k, ok
}

// Names returns every registered key name in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Defaults returns the default value of every key that declares one.
func Defaults() map[string]any {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := map[string]any{}
	for name, k := range registry {
		if k.Default != nil {
			out[name] = k.Default
		}
	}
	return out
}

// maxSuggestDistance is the largest edit distance, after the namespace
// discount, at which a registered key is offered as a suggestion.
const maxSuggestDistance = 3

// Suggest returns up to n registered keys that look like misspellings of
// name, closest first. Keys in the same namespace as name are favoured.
func Suggest(name string, n int) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	type candidate struct {
		name     string
		distance int
	}
	var found []candidate
	ns := namespace(name)
	for other := range registry {
		d := levenshtein.ComputeDistance(name, other)
		if d > 0 && ns != "" && ns == namespace(other) {
			d--
		}
		if d <= maxSuggestDistance {
			found = append(found, candidate{other, d})
		}
	}
	slices.SortFunc(found, func(a, b candidate) int {
		return cmp.Or(cmp.Compare(a.distance, b.distance), strings.Compare(a.name, b.name))
	})

	out := make([]string, 0, min(n, len(found)))
	for _, c := range found[:min(n, len(found))] {
		out = append(out, c.name)
	}
	return out
}

// namespace returns everything before the last dot: "server.tls" for
// "server.tls.certFile".
func namespace(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}
