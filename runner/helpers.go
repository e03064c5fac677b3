package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"web/clustermap/cluster"
)

const (
	snapshotPrefix = "index"
	snapshotExt    = ".zst"
	timestampFmt   = "20060102-150405"
)

// ErrIndexNotFound is returned for ids with no snapshot on disk.
var ErrIndexNotFound = errors.New("index not found")

// IndexInfo describes one saved index snapshot.
type IndexInfo struct {
	ID        string    `json:"id"`
	NumPoints int       `json:"numPoints"`
	Timestamp time.Time `json:"timestamp"`
	FileSize  int64     `json:"fileSize"`
	Size      string    `json:"size"`
}

// FormatFileSize renders size with a binary unit, e.g. "1.5 MB".
func FormatFileSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// snapshotName is index-{numPoints}p-{timestamp}-{id}.zst.
func snapshotName(numPoints int, now time.Time, id string) string {
	return fmt.Sprintf("%s-%dp-%s-%s%s", snapshotPrefix, numPoints, now.Format(timestampFmt), id, snapshotExt)
}

// ParseSnapshotName recovers the index info encoded in a snapshot file name.
func ParseSnapshotName(name string) (IndexInfo, bool) {
	if filepath.Ext(name) != snapshotExt {
		return IndexInfo{}, false
	}
	parts := strings.Split(strings.TrimSuffix(name, snapshotExt), "-")
	if len(parts) != 5 || parts[0] != snapshotPrefix || parts[4] == "" {
		return IndexInfo{}, false
	}
	numPoints, err := strconv.Atoi(strings.TrimSuffix(parts[1], "p"))
	if err != nil {
		return IndexInfo{}, false
	}
	ts, err := time.Parse(timestampFmt, parts[2]+"-"+parts[3])
	if err != nil {
		return IndexInfo{}, false
	}
	return IndexInfo{ID: parts[4], NumPoints: numPoints, Timestamp: ts}, true
}

// Store keeps index snapshots in one directory.
type Store struct {
	Dir string
	now func() time.Time
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Store{Dir: dir, now: time.Now}, nil
}

// Save writes idx under a fresh id.
func (s *Store) Save(idx *cluster.Index) (IndexInfo, error) {
	now := s.now().UTC().Truncate(time.Second)
	id := uuid.New().String()[:8]
	path := filepath.Join(s.Dir, snapshotName(idx.Len(), now, id))
	if err := idx.SaveFile(path); err != nil {
		return IndexInfo{}, fmt.Errorf("failed to save index: %w", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return IndexInfo{}, fmt.Errorf("failed to stat snapshot: %w", err)
	}
	return IndexInfo{
		ID:        id,
		NumPoints: idx.Len(),
		Timestamp: now,
		FileSize:  fi.Size(),
		Size:      FormatFileSize(fi.Size()),
	}, nil
}

// List returns every snapshot, newest first. Files that do not follow the
// naming scheme are skipped.
func (s *Store) List() ([]IndexInfo, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot directory: %w", err)
	}
	infos := make([]IndexInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := ParseSnapshotName(e.Name())
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		info.FileSize = fi.Size()
		info.Size = FormatFileSize(fi.Size())
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Timestamp.Equal(infos[j].Timestamp) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	return infos, nil
}

// Find returns the path and info of snapshot id.
func (s *Store) Find(id string) (string, IndexInfo, error) {
	infos, err := s.List()
	if err != nil {
		return "", IndexInfo{}, err
	}
	for _, info := range infos {
		if info.ID == id {
			name := snapshotName(info.NumPoints, info.Timestamp, info.ID)
			return filepath.Join(s.Dir, name), info, nil
		}
	}
	return "", IndexInfo{}, fmt.Errorf("%w: %s", ErrIndexNotFound, id)
}

// Open loads snapshot id.
func (s *Store) Open(id string) (*cluster.Index, IndexInfo, error) {
	path, info, err := s.Find(id)
	if err != nil {
		return nil, IndexInfo{}, err
	}
	idx, err := cluster.LoadFile(path)
	if err != nil {
		return nil, IndexInfo{}, fmt.Errorf("failed to load index %s: %w", id, err)
	}
	return idx, info, nil
}
