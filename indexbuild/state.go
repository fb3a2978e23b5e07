package indexbuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kartikbazzad/bunbase/bunstore/catalog"
	"github.com/kartikbazzad/bunbase/bunstore/internal/sorter"
	"github.com/kartikbazzad/bunbase/bunstore/mvcc"
	"github.com/kartikbazzad/bunbase/bunstore/storeerr"
)

// StateDir is the directory, relative to the data directory, holding build
// state files and spill directories.
const StateDir = "index_builds"

// State is the persisted progress of one index build.
type State struct {
	BuildUUID      string             `json:"build_uuid"`
	Collection     string             `json:"collection"`
	CollectionUUID string             `json:"collection_uuid"`
	Spec           catalog.IndexSpec  `json:"index_spec"`
	Phase          catalog.BuildPhase `json:"phase"`
	ScanTs         mvcc.Timestamp     `json:"scan_ts,omitempty"`
	ResumeToken    []byte             `json:"cursor_resume_token,omitempty"`
	Spills         []sorter.Spill     `json:"spill_manifest,omitempty"`
	ScannedDocs    int64              `json:"scanned_docs"`
	Duplicates     [][]byte           `json:"duplicates,omitempty"`
	ResumeCount    int                `json:"resume_count"`
	StartedAt      time.Time          `json:"started_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func statePath(dir, buildUUID string) string {
	return filepath.Join(dir, StateDir, buildUUID+".json")
}

func spillDir(dir, buildUUID string) string {
	return filepath.Join(dir, StateDir, buildUUID)
}

// restartScan discards scan progress so the build starts over from the
// collection scan.
func (s *State) restartScan() {
	s.Phase = catalog.PhaseCollectionScan
	s.ScanTs = 0
	s.ResumeToken = nil
	s.Spills = nil
	s.ScannedDocs = 0
	s.Duplicates = nil
}

// prepareResume decides how a build found on disk continues. A build that
// was already resumed once starts over from the collection scan; otherwise
// it continues from its persisted phase.
func (s *State) prepareResume() (restarted bool) {
	if s.ResumeCount >= 1 {
		s.restartScan()
		s.ResumeCount = 0
		return true
	}
	s.ResumeCount++
	return false
}

func (s *State) addDuplicate(key []byte) {
	for _, d := range s.Duplicates {
		if string(d) == string(key) {
			return
		}
	}
	s.Duplicates = append(s.Duplicates, append([]byte(nil), key...))
}

// saveState writes the state atomically.
func saveState(dir string, s *State) error {
	s.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	path := statePath(dir, s.BuildUUID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadState reads one build state file.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, storeerr.Wrap(storeerr.CodeDataCorruption, err, fmt.Sprintf("decode index build state %s", filepath.Base(path)))
	}
	return &s, nil
}

// ListStates returns every persisted build under the data directory, oldest
// first.
func ListStates(dir string) ([]*State, error) {
	entries, err := os.ReadDir(filepath.Join(dir, StateDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*State
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		s, err := LoadState(filepath.Join(dir, StateDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func removeState(dir, buildUUID string) error {
	err := os.Remove(statePath(dir, buildUUID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return os.RemoveAll(spillDir(dir, buildUUID))
}

func removeSpills(dir, buildUUID string) error {
	return os.RemoveAll(spillDir(dir, buildUUID))
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
