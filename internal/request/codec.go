package request

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/accordhq/accord/internal/hub"
)

// frontmatterDelimiter is the standard YAML frontmatter delimiter.
const frontmatterDelimiter = "---"

// timeLayout is the ISO-8601 timestamp format used in frontmatter.
const timeLayout = time.RFC3339

// ErrNoFrontmatter is returned for files without a valid frontmatter block.
var ErrNoFrontmatter = fmt.Errorf("missing frontmatter block")

// Document is a request or directive file split into frontmatter and body.
// The frontmatter is kept as a yaml.Node so unknown keys and their order
// survive a round-trip.
type Document struct {
	root *yaml.Node // document node wrapping the mapping
	body string
}

func ReadDocument(path string) (*Document, error) {
	content, err := os.ReadFile(path) //nolint:gosec // G304: paths come from hub directory walks
	if err != nil {
		return nil, err
	}
	return parseDocument(string(content))
}

func parseDocument(content string) (*Document, error) {
	if !strings.HasPrefix(content, frontmatterDelimiter) {
		return nil, ErrNoFrontmatter
	}

	rest := content[len(frontmatterDelimiter):]
	yamlContent, body, found := strings.Cut(rest, "\n"+frontmatterDelimiter)
	if !found {
		return nil, ErrNoFrontmatter
	}
	// Drop the rest of the closing delimiter line.
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(yamlContent), &root); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 || root.Content[0].Kind != yaml.MappingNode {
		return nil, ErrNoFrontmatter
	}

	return &Document{root: &root, body: body}, nil
}

// mapping returns the frontmatter mapping node.
func (d *Document) mapping() *yaml.Node {
	return d.root.Content[0]
}

// Body returns the Markdown body following the frontmatter block.
func (d *Document) Body() string {
	return d.body
}

// Get returns the scalar value for key, or "" when absent.
func (d *Document) Get(key string) string {
	m := d.mapping()
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1].Value
		}
	}
	return ""
}

// GetList returns the sequence value for key as strings.
// A scalar value is treated as a single-element list.
func (d *Document) GetList(key string) []string {
	m := d.mapping()
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value != key {
			continue
		}
		val := m.Content[i+1]
		switch val.Kind {
		case yaml.SequenceNode:
			items := make([]string, 0, len(val.Content))
			for _, c := range val.Content {
				if c.Value != "" {
					items = append(items, c.Value)
				}
			}
			return items
		case yaml.ScalarNode:
			if val.Value == "" {
				return nil
			}
			return []string{val.Value}
		}
		return nil
	}
	return nil
}

// Set updates key to a scalar value, appending the key when absent.
func (d *Document) Set(key, value string) {
	m := d.mapping()
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = scalarNode(value)
			return
		}
	}
	m.Content = append(m.Content, scalarNode(key), scalarNode(value))
}

// SetList updates key to a string sequence, appending the key when absent.
func (d *Document) SetList(key string, values []string) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, v := range values {
		seq.Content = append(seq.Content, scalarNode(v))
	}
	m := d.mapping()
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			m.Content[i+1] = seq
			return
		}
	}
	m.Content = append(m.Content, scalarNode(key), seq)
}

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value}
}

// render serializes the document back to frontmatter + body.
func (d *Document) render() ([]byte, error) {
	var sb strings.Builder
	fm, err := yaml.Marshal(d.mapping())
	if err != nil {
		return nil, fmt.Errorf("marshaling frontmatter: %w", err)
	}
	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n")
	sb.Write(fm)
	sb.WriteString(frontmatterDelimiter)
	sb.WriteString("\n")
	sb.WriteString(d.body)
	return []byte(sb.String()), nil
}

// Save rewrites the file crash-safely: write to a temp file in the same
// directory, then rename over the original. A truncated write can never
// leave a file without valid frontmatter.
func (d *Document) Save(path string) error {
	data, err := d.render()
	if err != nil {
		return err
	}
	return atomicWrite(path, data)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Parse reads a request file. It fails for files lacking a valid
// frontmatter block, an id, or a status. The ServiceName is derived from
// the path segment immediately after the "inbox" component.
func Parse(path string) (*Request, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return nil, err
	}

	id := doc.Get("id")
	status := doc.Get("status")
	if id == "" {
		return nil, fmt.Errorf("request %s: missing id", path)
	}
	if status == "" {
		return nil, fmt.Errorf("request %s: missing status", path)
	}

	attempts := 0
	if v := doc.Get("attempts"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n
		}
	}

	r := &Request{
		ID:              id,
		From:            doc.Get("from"),
		To:              doc.Get("to"),
		Scope:           Scope(doc.Get("scope")),
		Type:            doc.Get("type"),
		Priority:        Priority(doc.Get("priority")),
		Status:          Status(status),
		Created:         parseTime(doc.Get("created")),
		Updated:         parseTime(doc.Get("updated")),
		Attempts:        attempts,
		Command:         doc.Get("command"),
		CommandArgs:     doc.Get("command_args"),
		Directive:       doc.Get("directive"),
		RelatedContract: doc.Get("related_contract"),
		OriginatedFrom:  doc.Get("originated_from"),
		DependsOn:       doc.GetList("depends_on_requests"),
		ServiceName:     hub.ServiceFromPath(path),
		FilePath:        path,
		Body:            doc.body,
	}
	return r, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpdateField rewrites a single frontmatter field, preserving the body and
// all other keys.
func UpdateField(path, key, value string) error {
	doc, err := ReadDocument(path)
	if err != nil {
		return err
	}
	doc.Set(key, value)
	return doc.Save(path)
}

// SetStatus rewrites the status field and bumps updated to now.
func SetStatus(path string, status Status) error {
	doc, err := ReadDocument(path)
	if err != nil {
		return err
	}
	doc.Set("status", string(status))
	doc.Set("updated", time.Now().Format(timeLayout))
	return doc.Save(path)
}

// IncrementAttempts bumps the attempts counter (default 0) and returns the
// new value.
func IncrementAttempts(path string) (int, error) {
	doc, err := ReadDocument(path)
	if err != nil {
		return 0, err
	}
	attempts := 0
	if v := doc.Get("attempts"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			attempts = n
		}
	}
	attempts++
	doc.Set("attempts", strconv.Itoa(attempts))
	if err := doc.Save(path); err != nil {
		return 0, err
	}
	return attempts, nil
}

// Archive renames a request file into rootDir/comms/archive, creating the
// directory if missing. Returns the new path.
func Archive(path, rootDir string) (string, error) {
	archiveDir := hub.ArchiveDir(rootDir)
	if err := os.MkdirAll(archiveDir, 0750); err != nil {
		return "", fmt.Errorf("creating archive dir: %w", err)
	}
	newPath := filepath.Join(archiveDir, filepath.Base(path))
	if err := os.Rename(path, newPath); err != nil {
		return "", fmt.Errorf("archiving %s: %w", path, err)
	}
	return newPath, nil
}

// AppendResult appends a "## Result" section with a fenced block containing
// text to the request body.
func AppendResult(path, text string) error {
	doc, err := ReadDocument(path)
	if err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString(doc.body)
	if !strings.HasSuffix(doc.body, "\n") && doc.body != "" {
		sb.WriteString("\n")
	}
	sb.WriteString("\n## Result\n\n```\n")
	sb.WriteString(text)
	sb.WriteString("\n```\n")
	doc.body = sb.String()
	return doc.Save(path)
}

// Write creates a new request file with canonical frontmatter ordering.
// Used for synthesized requests (escalations, test and fix requests).
func Write(path string, r *Request, body string) error {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	doc := &Document{
		root: &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{m}},
		body: body,
	}

	doc.Set("id", r.ID)
	doc.Set("from", r.From)
	doc.Set("to", r.To)
	if r.Scope != "" {
		doc.Set("scope", string(r.Scope))
	}
	if r.Type != "" {
		doc.Set("type", r.Type)
	}
	doc.Set("priority", string(r.Priority))
	doc.Set("status", string(r.Status))
	created := r.Created
	if created.IsZero() {
		created = time.Now()
	}
	doc.Set("created", created.Format(timeLayout))
	doc.Set("updated", created.Format(timeLayout))
	if r.Directive != "" {
		doc.Set("directive", r.Directive)
	}
	if r.RelatedContract != "" {
		doc.Set("related_contract", r.RelatedContract)
	}
	if r.OriginatedFrom != "" {
		doc.Set("originated_from", r.OriginatedFrom)
	}
	if r.Command != "" {
		doc.Set("command", r.Command)
	}
	if r.CommandArgs != "" {
		doc.Set("command_args", r.CommandArgs)
	}
	if len(r.DependsOn) > 0 {
		doc.SetList("depends_on_requests", r.DependsOn)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating inbox dir: %w", err)
	}
	return doc.Save(path)
}
