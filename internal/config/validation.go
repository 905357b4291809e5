package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/knadh/koanf/v2"
)

// ValidationWarning flags a loaded key that is unknown or deprecated.
type ValidationWarning struct {
	Key         string
	Suggestions []string
}

func (w ValidationWarning) String() string {
	msg := fmt.Sprintf("'%s' is not a known config key", w.Key)
	switch len(w.Suggestions) {
	case 0:
		return msg
	case 1:
		return msg + fmt.Sprintf(". Did you mean '%s'?", w.Suggestions[0])
	default:
		return msg + ". Did you mean one of: " + strings.Join(w.Suggestions, ", ") + "?"
	}
}

// ValidateConfigKeys returns a warning for every loaded key that is not
// registered, with suggestions for likely misspellings. Deprecated keys
// suggest their replacement.
func ValidateConfigKeys(k *koanf.Koanf) []ValidationWarning {
	var warnings []ValidationWarning
	for _, name := range k.Keys() {
		if key, ok := Lookup(name); ok {
			if key.Deprecated() {
				warnings = append(warnings, ValidationWarning{Key: name, Suggestions: []string{key.ReplacedBy}})
			}
			continue
		}
		// Fields nested under a registered key, such as each entry of
		// oauth.clients, are accepted as is.
		if underRegisteredKey(name) {
			continue
		}
		warnings = append(warnings, ValidationWarning{Key: name, Suggestions: Suggest(name, 3)})
	}
	return warnings
}

// ValidateConfigValues returns an error for the first key whose value is not
// in its Allowed list.
func ValidateConfigValues(k *koanf.Koanf) error {
	for _, name := range Names() {
		key, _ := Lookup(name)
		if len(key.Allowed) == 0 || !k.Exists(name) {
			continue
		}
		if v := k.String(name); !slices.Contains(key.Allowed, v) {
			return fmt.Errorf("config key '%s' has value %q, expected one of %s", name, v, strings.Join(key.Allowed, ", "))
		}
	}
	return nil
}

func underRegisteredKey(name string) bool {
	for ns := namespace(name); ns != ""; ns = namespace(ns) {
		if _, ok := Lookup(ns); ok {
			return true
		}
	}
	return false
}
