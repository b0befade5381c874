// Package directive implements the directive file format: multi-request
// units of work in directives/*.md, advanced through a phase state machine
// by the coordinator.
package directive

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
	"github.com/accordhq/accord/internal/request"
)

// Phase is the directive lifecycle state.
type Phase string

const (
	PhasePlanning     Phase = "planning"
	PhaseNegotiating  Phase = "negotiating"
	PhaseImplementing Phase = "implementing"
	PhaseTesting      Phase = "testing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Valid reports whether the phase is one of the known states.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhaseNegotiating, PhaseImplementing, PhaseTesting, PhaseCompleted, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transitions are allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Directive is one parsed directive file.
type Directive struct {
	ID                string
	Title             string
	Priority          request.Priority
	Status            Phase
	RetryCount        int
	MaxRetries        int
	Requests          []string
	ContractProposals []string
	TestRequests      []string

	FilePath string
	Body     string
}

// ImplementationRequests returns Requests minus contract proposals and
// test requests.
func (d *Directive) ImplementationRequests() []string {
	excluded := make(map[string]bool, len(d.ContractProposals)+len(d.TestRequests))
	for _, id := range d.ContractProposals {
		excluded[id] = true
	}
	for _, id := range d.TestRequests {
		excluded[id] = true
	}
	var out []string
	for _, id := range d.Requests {
		if !excluded[id] {
			out = append(out, id)
		}
	}
	return out
}

// Owns reports whether the request id appears in any of the directive's
// id lists.
func (d *Directive) Owns(requestID string) bool {
	for _, list := range [][]string{d.Requests, d.ContractProposals, d.TestRequests} {
		for _, id := range list {
			if id == requestID {
				return true
			}
		}
	}
	return false
}

// Parse reads a directive file. Fails without valid frontmatter, id, or
// status.
func Parse(path string) (*Directive, error) {
	doc, err := request.ReadDocument(path)
	if err != nil {
		return nil, err
	}

	id := doc.Get("id")
	status := doc.Get("status")
	if id == "" {
		return nil, fmt.Errorf("directive %s: missing id", path)
	}
	if status == "" {
		return nil, fmt.Errorf("directive %s: missing status", path)
	}

	d := &Directive{
		ID:                id,
		Title:             doc.Get("title"),
		Priority:          request.Priority(doc.Get("priority")),
		Status:            Phase(status),
		RetryCount:        atoiDefault(doc.Get("retry_count"), 0),
		MaxRetries:        atoiDefault(doc.Get("max_retries"), 3),
		Requests:          doc.GetList("requests"),
		ContractProposals: doc.GetList("contract_proposals"),
		TestRequests:      doc.GetList("test_requests"),
		FilePath:          path,
		Body:              doc.Body(),
	}
	return d, nil
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// Save rewrites the directive's mutable frontmatter fields, preserving
// unknown keys and the body.
func (d *Directive) Save() error {
	doc, err := request.ReadDocument(d.FilePath)
	if err != nil {
		return err
	}
	doc.Set("status", string(d.Status))
	doc.Set("retry_count", strconv.Itoa(d.RetryCount))
	doc.Set("max_retries", strconv.Itoa(d.MaxRetries))
	doc.SetList("requests", d.Requests)
	doc.SetList("contract_proposals", d.ContractProposals)
	doc.SetList("test_requests", d.TestRequests)
	return doc.Save(d.FilePath)
}

// Scan parses every directives/*.md file under the hub root.
// Malformed files are logged and skipped.
func Scan(root string) []*Directive {
	dir := hub.DirectivesDir(root)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatScan, "reading directives dir", err, "dir", dir)
		}
		return nil
	}

	var directives []*Directive
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		d, err := Parse(path)
		if err != nil {
			log.Warn(log.CatScan, "skipping malformed directive", "path", path, "error", err)
			continue
		}
		directives = append(directives, d)
	}
	return directives
}
