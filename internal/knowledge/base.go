// Package knowledge serves company information from a directory of MDX files
// with YAML frontmatter.
package knowledge

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const fileExt = ".mdx"

type Entry struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Topic    string   `json:"topic"`
	Tags     []string `json:"tags"`
	Keywords []string `json:"keywords,omitempty"`
	Created  string   `json:"created,omitempty"`
	Updated  string   `json:"updated,omitempty"`
	Filename string   `json:"filename"`
	Content  string   `json:"content"`
}

type frontmatter struct {
	Title    string   `yaml:"title"`
	Topic    string   `yaml:"topic"`
	Tags     []string `yaml:"tags"`
	Keywords []string `yaml:"keywords,omitempty"`
	Created  string   `yaml:"created,omitempty"`
	Updated  string   `yaml:"updated,omitempty"`
}

// Base is a read-mostly cache of the entries in one directory.
type Base struct {
	dir    string
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []Entry
}

// Open loads every .mdx file in dir. A missing directory yields an empty
// base so the agent can still run without company content.
func Open(dir string, logger zerolog.Logger) (*Base, error) {
	b := &Base{dir: dir, logger: logger}
	if err := b.Reload(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Base) Dir() string {
	return b.dir
}

func (b *Base) Reload() error {
	paths, err := filepath.Glob(filepath.Join(b.dir, "*"+fileExt))
	if err != nil {
		return fmt.Errorf("list knowledge base: %w", err)
	}
	sort.Strings(paths)

	entries := make([]Entry, 0, len(paths))
	for _, path := range paths {
		entry, err := parseFile(path)
		if err != nil {
			b.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable knowledge base entry")
			continue
		}
		entries = append(entries, entry)
	}

	b.mu.Lock()
	b.entries = entries
	b.mu.Unlock()
	b.logger.Debug().Int("entries", len(entries)).Str("dir", b.dir).Msg("knowledge base loaded")
	return nil
}

// Entries returns a copy of all entries ordered by file name.
func (b *Base) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Entry(nil), b.entries...)
}

func (b *Base) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Get returns the entry whose file stem is id.
func (b *Base) Get(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, e := range b.entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Topics returns the distinct non-empty topics, sorted.
func (b *Base) Topics() []string {
	return b.distinct(func(e Entry) []string { return []string{e.Topic} })
}

// Tags returns the distinct tags, sorted.
func (b *Base) Tags() []string {
	return b.distinct(func(e Entry) []string { return e.Tags })
}

func (b *Base) distinct(values func(Entry) []string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, e := range b.entries {
		for _, v := range values(e) {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, ok := seen[v]; ok {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Lookup resolves a topic or, when topic is empty, a title. A topic returns
// the best search hit. A title prefers an exact case-insensitive title match
// and falls back to search.
func (b *Base) Lookup(topic, title string) (Entry, bool) {
	topic, title = strings.TrimSpace(topic), strings.TrimSpace(title)
	if topic != "" {
		if hits := b.Search(topic); len(hits) > 0 {
			return hits[0], true
		}
		return Entry{}, false
	}
	if title == "" {
		return Entry{}, false
	}
	want := strings.ToLower(title)
	b.mu.RLock()
	for _, e := range b.entries {
		if strings.ToLower(strings.TrimSpace(e.Title)) == want {
			b.mu.RUnlock()
			return e, true
		}
	}
	b.mu.RUnlock()
	if hits := b.Search(title); len(hits) > 0 {
		return hits[0], true
	}
	return Entry{}, false
}

func parseFile(path string) (Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}
	meta, body, err := splitFrontmatter(raw)
	if err != nil {
		return Entry{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), fileExt)
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		title = stem
	}
	keywords := make([]string, 0, len(meta.Keywords))
	for _, k := range meta.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return Entry{
		ID:       stem,
		Title:    title,
		Topic:    strings.TrimSpace(meta.Topic),
		Tags:     append([]string{}, meta.Tags...),
		Keywords: keywords,
		Created:  meta.Created,
		Updated:  meta.Updated,
		Filename: filepath.Base(path),
		Content:  strings.TrimSpace(body),
	}, nil
}

// splitFrontmatter separates a leading --- delimited YAML block from the
// body. Files without one are all body.
func splitFrontmatter(raw []byte) (frontmatter, string, error) {
	var meta frontmatter
	text := string(bytes.TrimPrefix(raw, []byte("\ufeff")))
	if !strings.HasPrefix(text, "---") {
		return meta, text, nil
	}
	lines := strings.Split(text, "\n")
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return meta, text, nil
	}
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
