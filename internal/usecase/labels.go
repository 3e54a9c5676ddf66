package usecase

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// LabelCategories maps mailbox labels and tracker tags onto configured
// category buckets. Patterns support * (any run) and ? (one character);
// everything else matches literally and case-sensitively.
//
// A missing mapping file disables categorization rather than failing
// startup; Categorize then returns nil for every input.
type LabelCategories struct {
	mu         sync.RWMutex
	categories map[string][]*regexp.Regexp
	names      []string
	path       string
}

// LoadLabelCategories reads the YAML mapping file. Each top-level key is a
// category name whose value is one pattern or a list of patterns.
func LoadLabelCategories(path string) (*LabelCategories, error) {
	lc := &LabelCategories{path: path}
	if err := lc.Reload(); err != nil {
		return nil, err
	}
	return lc, nil
}

// Reload re-reads the mapping file. Used by SIGHUP-style config refresh.
func (lc *LabelCategories) Reload() error {
	if lc.path == "" {
		return nil
	}
	data, err := os.ReadFile(lc.path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("label categories file not found, categorization disabled", slog.String("path", lc.path))
			return nil
		}
		return fmt.Errorf("op=labels.reload: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("op=labels.reload: parse %s: %w", lc.path, err)
	}

	compiled := make(map[string][]*regexp.Regexp, len(raw))
	names := make([]string, 0, len(raw))
	for category, value := range raw {
		patterns, err := patternList(value)
		if err != nil {
			return fmt.Errorf("op=labels.reload: category %q: %w", category, err)
		}
		res := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := compilePattern(p)
			if err != nil {
				return fmt.Errorf("op=labels.reload: category %q pattern %q: %w", category, p, err)
			}
			res = append(res, re)
		}
		compiled[category] = res
		names = append(names, category)
	}
	sort.Strings(names)

	lc.mu.Lock()
	lc.categories = compiled
	lc.names = names
	lc.mu.Unlock()
	slog.Info("loaded label categories", slog.Int("categories", len(names)), slog.String("path", lc.path))
	return nil
}

// CategoryNames returns the configured category names, sorted.
func (lc *LabelCategories) CategoryNames() []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return append([]string(nil), lc.names...)
}

// Categorize returns the category names whose patterns match at least one
// of the given labels, sorted for stable storage.
func (lc *LabelCategories) Categorize(labels []string) []string {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	if len(lc.categories) == 0 || len(labels) == 0 {
		return nil
	}
	var out []string
	for _, name := range lc.names {
		if matchesAny(lc.categories[name], labels) {
			out = append(out, name)
		}
	}
	return out
}

func matchesAny(patterns []*regexp.Regexp, labels []string) bool {
	for _, re := range patterns {
		for _, label := range labels {
			if re.MatchString(label) {
				return true
			}
		}
	}
	return false
}

func patternList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("pattern entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value must be a string or list of strings, got %T", value)
	}
}

// compilePattern translates a glob-style pattern to an anchored regexp.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.Compile("^" + quoted + "$")
}
