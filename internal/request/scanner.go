package request

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/accordhq/accord/internal/hub"
	"github.com/accordhq/accord/internal/log"
)

const (
	cacheExpiration      = 10 * time.Minute
	cacheCleanupInterval = 30 * time.Minute
)

// Scanner enumerates request files under a hub directory.
// Parsed requests are cached keyed by path and mtime, so repeated ticks
// only re-parse files that changed.
type Scanner struct {
	root  string
	cache *gocache.Cache
}

// NewScanner creates a scanner for the given hub root.
func NewScanner(root string) *Scanner {
	return &Scanner{
		root:  root,
		cache: gocache.New(cacheExpiration, cacheCleanupInterval),
	}
}

// Root returns the hub root the scanner walks.
func (s *Scanner) Root() string {
	return s.root
}

// ScanInboxes walks every comms/inbox/{service} directory and parses the
// req-*.md files found. Malformed files are logged and skipped.
func (s *Scanner) ScanInboxes() []*Request {
	inboxRoot := hub.InboxRoot(s.root)
	entries, err := os.ReadDir(inboxRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatScan, "reading inbox root", err, "dir", inboxRoot)
		}
		return nil
	}

	var requests []*Request
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		requests = append(requests, s.scanDir(filepath.Join(inboxRoot, entry.Name()))...)
	}
	return requests
}

// ScanArchive parses the req-*.md files in comms/archive.
func (s *Scanner) ScanArchive() []*Request {
	return s.scanDir(hub.ArchiveDir(s.root))
}

// ScanAll returns inbox requests followed by archived requests.
func (s *Scanner) ScanAll() []*Request {
	return append(s.ScanInboxes(), s.ScanArchive()...)
}

func (s *Scanner) scanDir(dir string) []*Request {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.ErrorErr(log.CatScan, "reading request dir", err, "dir", dir)
		}
		return nil
	}

	var requests []*Request
	for _, entry := range entries {
		if entry.IsDir() || !hub.IsRequestFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		req, err := s.parseCached(path, entry)
		if err != nil {
			log.Warn(log.CatScan, "skipping malformed request", "path", path, "error", err)
			continue
		}
		requests = append(requests, req)
	}
	return requests
}

func (s *Scanner) parseCached(path string, entry os.DirEntry) (*Request, error) {
	info, err := entry.Info()
	if err != nil {
		return Parse(path)
	}

	key := fmt.Sprintf("%s|%d|%d", path, info.ModTime().UnixNano(), info.Size())
	if cached, ok := s.cache.Get(key); ok {
		if req, ok := cached.(*Request); ok {
			return req, nil
		}
	}

	req, err := Parse(path)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, req, gocache.DefaultExpiration)
	return req, nil
}

// Dispatchable returns the pending requests whose dependencies (if any) are
// all observed completed in the full set (inbox or archive).
func Dispatchable(all []*Request) []*Request {
	completed := make(map[string]bool, len(all))
	for _, r := range all {
		if r.Status == StatusCompleted {
			completed[r.ID] = true
		}
	}

	var out []*Request
	for _, r := range all {
		if r.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range r.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, r)
		}
	}
	return out
}

// SortByPriority stable-sorts requests by priority rank ascending
// (critical first), tiebreaking on created ascending (older first).
func SortByPriority(requests []*Request) {
	sort.SliceStable(requests, func(i, j int) bool {
		ri, rj := requests[i].Priority.Rank(), requests[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return requests[i].Created.Before(requests[j].Created)
	})
}
