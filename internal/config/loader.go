package config

import (
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/v2"
)

// LoadDefaults loads the registered defaults into k. It should run before any
// other source so files and environment variables override the defaults.
func LoadDefaults(k *koanf.Koanf) error {
	return k.Load(confmap.Provider(Defaults(), "."), nil)
}
