// Package i18n serves the user-facing message tables. Nothing outside this
// package branches on locale.
package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/agentgate/internal/prompt"
)

//go:embed locales/*.yaml
var localesFS embed.FS

// DefaultLocale is used when a key is missing in the requested locale.
const DefaultLocale = "en"

// Catalog looks up messages by key and locale.
type Catalog interface {
	Lookup(key, locale string) string
}

// Tables is a Catalog backed by per-locale key/value tables.
type Tables struct {
	tables map[string]map[string]string
}

// Load parses the embedded locale tables.
func Load() (*Tables, error) {
	entries, err := fs.ReadDir(localesFS, "locales")
	if err != nil {
		return nil, err
	}
	t := &Tables{tables: make(map[string]map[string]string)}
	for _, e := range entries {
		locale, ok := strings.CutSuffix(e.Name(), ".yaml")
		if !ok {
			continue
		}
		data, err := localesFS.ReadFile("locales/" + e.Name())
		if err != nil {
			return nil, err
		}
		var table map[string]string
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parse locale %s: %w", locale, err)
		}
		t.tables[locale] = table
	}
	if _, ok := t.tables[DefaultLocale]; !ok {
		return nil, fmt.Errorf("default locale %q missing", DefaultLocale)
	}
	return t, nil
}

// MustLoad is Load for package initialisation; the tables are compiled in.
func MustLoad() *Tables {
	t, err := Load()
	if err != nil {
		panic(err)
	}
	return t
}

// Lookup returns the message for key in locale, falling back to the default
// locale and finally to the key itself. Region suffixes ("es-MX") match
// their base language.
func (t *Tables) Lookup(key, locale string) string {
	for _, loc := range []string{locale, baseLanguage(locale), DefaultLocale} {
		if msg, ok := t.tables[loc][key]; ok {
			return msg
		}
	}
	return key
}

// Locales lists the available locales.
func (t *Tables) Locales() []string {
	out := make([]string, 0, len(t.tables))
	for loc := range t.tables {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func baseLanguage(locale string) string {
	locale = strings.ToLower(locale)
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		return locale[:i]
	}
	return locale
}

// Format looks up key and fills {{var}} placeholders. A message that fails
// to render is returned unexpanded rather than dropped.
func Format(c Catalog, key, locale string, vars prompt.Vars) string {
	msg := c.Lookup(key, locale)
	out, err := prompt.Render(msg, vars)
	if err != nil {
		return msg
	}
	return strings.TrimSpace(out)
}
