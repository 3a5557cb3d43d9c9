package engine

import (
	"encoding/json"
	"strconv"

	"github.com/yidan233/FeatureFlow/pkg/model"
)

// Render translates a Decision into the typed value callers receive.
// Disabled decisions always yield the caller's default. Variant values
// are parsed according to the flag type; unparseable JSON falls back to
// the raw string. The server and the SDK share this implementation so
// local and remote evaluation agree.
func Render(snap *model.FlagSnapshot, d model.Decision, defaultValue any) any {
	if !d.Enabled {
		return defaultValue
	}

	if snap.Flag.Type == model.FlagTypeBoolean {
		return d.Variant == "true"
	}

	variant := FindVariant(snap.Variants, d.Variant)
	if variant == nil {
		return defaultValue
	}

	switch snap.Flag.Type {
	case model.FlagTypeNumber:
		f, err := strconv.ParseFloat(variant.Value, 64)
		if err != nil {
			return defaultValue
		}
		return f
	case model.FlagTypeJSON:
		var out any
		if err := json.Unmarshal([]byte(variant.Value), &out); err != nil {
			return variant.Value
		}
		return out
	default:
		return variant.Value
	}
}

// FindVariant returns the variant with the given key, or nil.
func FindVariant(variants []model.Variant, key string) *model.Variant {
	for i := range variants {
		if variants[i].Key == key {
			return &variants[i]
		}
	}
	return nil
}
