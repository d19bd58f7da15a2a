package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrEntryNotFound = errors.New("knowledge base entry not found")

var (
	slugStrip = regexp.MustCompile(`[^a-z0-9\s-]`)
	slugSpace = regexp.MustCompile(`[\s]+`)
	slugDash  = regexp.MustCompile(`-+`)
)

// Slug turns a title into a file stem.
func Slug(title string) string {
	s := slugStrip.ReplaceAllString(strings.ToLower(title), "")
	s = slugSpace.ReplaceAllString(strings.TrimSpace(s), "-")
	s = slugDash.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "entry"
	}
	return s
}

// Add writes a new entry and reloads the base. The file name is derived from
// the title with a numeric suffix when the name is taken.
func (b *Base) Add(title, topic, content string, tags []string) (Entry, error) {
	title, topic, content = strings.TrimSpace(title), strings.TrimSpace(topic), strings.TrimSpace(content)
	if title == "" || topic == "" || content == "" {
		return Entry{}, errors.New("title, topic and content are required")
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("create knowledge base directory: %w", err)
	}

	stem, err := b.freeStem(Slug(title))
	if err != nil {
		return Entry{}, err
	}
	today := time.Now().Format("2006-01-02")
	meta := frontmatter{
		Title:   title,
		Topic:   topic,
		Tags:    cleanTags(tags),
		Created: today,
		Updated: today,
	}
	raw, err := renderEntry(meta, content)
	if err != nil {
		return Entry{}, err
	}

	path := filepath.Join(b.dir, stem+fileExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("create entry file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return Entry{}, fmt.Errorf("write entry file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close entry file: %w", err)
	}
	b.logger.Info().Str("file", stem+fileExt).Str("topic", topic).Msg("knowledge base entry added")
	return b.reloaded(stem)
}

// Patch holds the fields Update changes. Nil fields are left as they are.
type Patch struct {
	Title   *string
	Topic   *string
	Content *string
	Tags    []string
	SetTags bool
}

// Update rewrites entry id with the fields set in p and bumps its updated
// date. The file name does not change with the title.
func (b *Base) Update(id string, p Patch) (Entry, error) {
	path, err := b.entryPath(id)
	if err != nil {
		return Entry{}, err
	}
	current, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return Entry{}, fmt.Errorf("read entry file: %w", err)
	}
	meta, body, err := splitFrontmatter(current)
	if err != nil {
		return Entry{}, err
	}

	if p.Title != nil {
		if meta.Title = strings.TrimSpace(*p.Title); meta.Title == "" {
			return Entry{}, errors.New("title must not be empty")
		}
	}
	if p.Topic != nil {
		if meta.Topic = strings.TrimSpace(*p.Topic); meta.Topic == "" {
			return Entry{}, errors.New("topic must not be empty")
		}
	}
	body = strings.TrimSpace(body)
	if p.Content != nil {
		if body = strings.TrimSpace(*p.Content); body == "" {
			return Entry{}, errors.New("content must not be empty")
		}
	}
	if p.SetTags {
		meta.Tags = cleanTags(p.Tags)
	}
	meta.Updated = time.Now().Format("2006-01-02")

	raw, err := renderEntry(meta, body)
	if err != nil {
		return Entry{}, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return Entry{}, fmt.Errorf("write entry file: %w", err)
	}
	b.logger.Info().Str("file", id+fileExt).Msg("knowledge base entry updated")
	return b.reloaded(id)
}

// Delete removes entry id from disk and from the base.
func (b *Base) Delete(id string) error {
	path, err := b.entryPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		return fmt.Errorf("delete entry file: %w", err)
	}
	b.logger.Info().Str("file", id+fileExt).Msg("knowledge base entry deleted")
	return b.Reload()
}

// entryPath maps an id to its file, refusing ids that would leave the
// directory.
func (b *Base) entryPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: %q", ErrEntryNotFound, id)
	}
	return filepath.Join(b.dir, id+fileExt), nil
}

func (b *Base) reloaded(id string) (Entry, error) {
	if err := b.Reload(); err != nil {
		return Entry{}, err
	}
	entry, ok := b.Get(id)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s not readable after write", id)
	}
	return entry, nil
}

func renderEntry(meta frontmatter, content string) ([]byte, error) {
	head, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(head)
	buf.WriteString("---\n\n")
	buf.WriteString(content)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func (b *Base) freeStem(base string) (string, error) {
	for n := 0; n < 1000; n++ {
		stem := base
		if n > 0 {
			stem = base + "-" + strconv.Itoa(n)
		}
		_, err := os.Stat(filepath.Join(b.dir, stem+fileExt))
		if errors.Is(err, os.ErrNotExist) {
			return stem, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat entry file: %w", err)
		}
	}
	return "", fmt.Errorf("no free file name for %q", base)
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
