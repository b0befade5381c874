package request

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/accordhq/accord/internal/hub"
)

func writeInboxRequest(t *testing.T, root, service, id string, status Status) {
	t.Helper()
	r := &Request{
		ID:       id,
		From:     hub.OrchestratorService,
		To:       service,
		Priority: PriorityMedium,
		Status:   status,
		Created:  time.Now(),
	}
	path := filepath.Join(hub.InboxDir(root, service), "req-"+id+".md")
	require.NoError(t, Write(path, r, "Body."))
}

func TestScanInboxesSkipsMalformedAndForeignFiles(t *testing.T) {
	root := t.TempDir()
	writeInboxRequest(t, root, "backend", "r1", StatusPending)
	writeInboxRequest(t, root, "frontend", "r2", StatusCompleted)

	inbox := hub.InboxDir(root, "backend")
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "req-broken.md"), []byte("no frontmatter"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inbox, "notes.md"), []byte("not a request"), 0o644))

	s := NewScanner(root)
	got := s.ScanInboxes()
	require.Len(t, got, 2)

	ids := []string{got[0].ID, got[1].ID}
	assert.ElementsMatch(t, []string{"r1", "r2"}, ids)
}

func TestScanAllIncludesArchive(t *testing.T) {
	root := t.TempDir()
	writeInboxRequest(t, root, "backend", "r1", StatusPending)

	archived := &Request{
		ID: "r0", From: "backend", To: hub.OrchestratorService,
		Priority: PriorityLow, Status: StatusCompleted, Created: time.Now(),
	}
	path := filepath.Join(hub.ArchiveDir(root), "req-r0.md")
	require.NoError(t, Write(path, archived, "Done."))

	s := NewScanner(root)
	assert.Len(t, s.ScanInboxes(), 1)
	assert.Len(t, s.ScanAll(), 2)
}

func TestScannerCachesByMtime(t *testing.T) {
	root := t.TempDir()
	writeInboxRequest(t, root, "backend", "r1", StatusPending)

	s := NewScanner(root)
	first := s.ScanInboxes()
	second := s.ScanInboxes()
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Same(t, first[0], second[0], "unchanged file returns the cached parse")

	// A rewrite invalidates the cache entry.
	require.NoError(t, SetStatus(first[0].FilePath, StatusApproved))
	third := s.ScanInboxes()
	require.Len(t, third, 1)
	assert.Equal(t, StatusApproved, third[0].Status)
}

func TestDispatchableFiltersByStatusAndDeps(t *testing.T) {
	mk := func(id string, status Status, deps ...string) *Request {
		return &Request{ID: id, Status: status, DependsOn: deps}
	}
	all := []*Request{
		mk("a", StatusPending),
		mk("b", StatusInProgress),
		mk("c", StatusCompleted),
		mk("d", StatusPending, "c"),      // dep satisfied
		mk("e", StatusPending, "b"),      // dep not completed
		mk("f", StatusPending, "ghost"),  // dep unknown
		mk("g", StatusPending, "c", "a"), // one dep pending
	}
	got := Dispatchable(all)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.ID
	}
	assert.ElementsMatch(t, []string{"a", "d"}, ids)
}

func TestSortByPriority(t *testing.T) {
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	reqs := []*Request{
		{ID: "low", Priority: PriorityLow, Created: base},
		{ID: "med-old", Priority: PriorityMedium, Created: base.Add(-time.Hour)},
		{ID: "med-new", Priority: PriorityMedium, Created: base},
		{ID: "crit", Priority: PriorityCritical, Created: base.Add(time.Hour)},
		{ID: "high", Priority: PriorityHigh, Created: base},
	}
	SortByPriority(reqs)

	ids := make([]string, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"crit", "high", "med-old", "med-new", "low"}, ids)
}

func TestSortByPriorityProperties(t *testing.T) {
	priorities := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "n")
		reqs := make([]*Request, n)
		for i := range reqs {
			reqs[i] = &Request{
				ID:       fmt.Sprintf("r%d", i),
				Priority: priorities[rapid.IntRange(0, len(priorities)-1).Draw(t, "prio")],
				Created:  time.Unix(rapid.Int64Range(0, 1e9).Draw(t, "created"), 0),
			}
		}
		SortByPriority(reqs)

		for i := 1; i < len(reqs); i++ {
			prev, cur := reqs[i-1], reqs[i]
			if prev.Priority.Rank() > cur.Priority.Rank() {
				t.Fatalf("rank order violated at %d: %s before %s", i, prev.ID, cur.ID)
			}
			if prev.Priority.Rank() == cur.Priority.Rank() && prev.Created.After(cur.Created) {
				t.Fatalf("created tiebreak violated at %d", i)
			}
		}
	})
}

func TestDispatchableProperties(t *testing.T) {
	statuses := []Status{StatusPending, StatusInProgress, StatusCompleted, StatusFailed}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "n")
		all := make([]*Request, n)
		for i := range all {
			r := &Request{
				ID:     fmt.Sprintf("r%d", i),
				Status: statuses[rapid.IntRange(0, len(statuses)-1).Draw(t, "status")],
			}
			// Depend on a random earlier request, sometimes.
			if i > 0 && rapid.Bool().Draw(t, "hasDep") {
				r.DependsOn = []string{fmt.Sprintf("r%d", rapid.IntRange(0, i-1).Draw(t, "dep"))}
			}
			all[i] = r
		}

		completed := map[string]bool{}
		for _, r := range all {
			if r.Status == StatusCompleted {
				completed[r.ID] = true
			}
		}

		for _, r := range Dispatchable(all) {
			if r.Status != StatusPending {
				t.Fatalf("non-pending request %s dispatched", r.ID)
			}
			for _, dep := range r.DependsOn {
				if !completed[dep] {
					t.Fatalf("request %s dispatched with incomplete dep %s", r.ID, dep)
				}
			}
		}
	})
}
