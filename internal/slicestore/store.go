// Package slicestore discovers completed capture slices of a session.
package slicestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Montimage/maip-sub000/internal/model"
)

// Lister returns the slice files of a session directory, oldest first.
type Lister interface {
	ListFiles(ctx context.Context, sessionDir string) ([]model.SliceFile, error)
}

// Store is a read-only view over the slice files of one capture session.
type Store struct {
	lister Lister
	now    func() time.Time

	mu         sync.Mutex
	sessionDir string
	firstSeen  map[string]time.Time
	seq        map[string]int
	nextSeq    int
}

// New creates a slice store on top of a lister.
func New(lister Lister) *Store {
	return &Store{
		lister:    lister,
		now:       time.Now,
		firstSeen: make(map[string]time.Time),
		seq:       make(map[string]int),
	}
}

// Reset points the store at a new session directory and resets the
// discovery clock.
func (s *Store) Reset(sessionDir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionDir = sessionDir
	s.firstSeen = make(map[string]time.Time)
	s.seq = make(map[string]int)
	s.nextSeq = 0
}

// SessionDir returns the directory currently observed.
func (s *Store) SessionDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionDir
}

// ListUnprocessed returns slices not present in processed, ordered by
// discovery time. It does not modify the processed set.
func (s *Store) ListUnprocessed(ctx context.Context, processed ProcessedSet) ([]model.SliceFile, error) {
	dir := s.SessionDir()
	if dir == "" {
		return nil, nil
	}
	files, err := s.lister.ListFiles(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list slices in '%s': %w", dir, err)
	}

	s.mu.Lock()
	now := s.now()
	for _, f := range files {
		if _, ok := s.firstSeen[f.Path]; !ok {
			s.firstSeen[f.Path] = now
			s.seq[f.Path] = s.nextSeq
			s.nextSeq++
		}
	}
	out := make([]model.SliceFile, 0, len(files))
	for _, f := range files {
		if processed != nil && processed.Contains(f.Path) {
			continue
		}
		f.DiscoveredAt = s.firstSeen[f.Path]
		out = append(out, f)
	}
	seq := s.seq
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return seq[out[i].Path] < seq[out[j].Path]
	})
	return out, nil
}

// Eligible filters slices down to those past the stability threshold,
// keeping their order.
func Eligible(files []model.SliceFile, stableAge time.Duration) []model.SliceFile {
	out := make([]model.SliceFile, 0, len(files))
	for _, f := range files {
		if f.Eligible(stableAge) {
			out = append(out, f)
		}
	}
	return out
}

// DirLister lists slice files from a local directory.
type DirLister struct {
	Pattern string
	Now     func() time.Time
}

// ListFiles implements Lister. A missing directory is an empty session.
func (d DirLister) ListFiles(ctx context.Context, sessionDir string) ([]model.SliceFile, error) {
	entries, err := os.ReadDir(sessionDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	pattern := d.Pattern
	if pattern == "" {
		pattern = "*"
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}

	type entry struct {
		file    model.SliceFile
		modTime time.Time
	}
	var found []entry
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); !ok {
			continue
		}
		file := model.SliceFile{Path: filepath.Join(sessionDir, e.Name())}
		var modTime time.Time
		if info, err := e.Info(); err == nil {
			modTime = info.ModTime()
			age := now().Sub(modTime).Milliseconds()
			if age < 0 {
				age = 0
			}
			file.AgeMs = &age
		}
		found = append(found, entry{file: file, modTime: modTime})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].modTime.Equal(found[j].modTime) {
			return found[i].modTime.Before(found[j].modTime)
		}
		return found[i].file.Path < found[j].file.Path
	})
	out := make([]model.SliceFile, len(found))
	for i, e := range found {
		out[i] = e.file
	}
	return out, nil
}
