package writer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one uploaded parquet object.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
}

// ManifestEntry mirrors an Iceberg manifest entry. Status 1 means added.
type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata is the table level metadata.json of the archive.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// tableLog accumulates one snapshot per flush.
type tableLog struct {
	mu        sync.Mutex
	location  string
	tableUUID string
	snapshots []Snapshot
	maxKept   int
}

func newTableLog(location string) *tableLog {
	return &tableLog{location: location, tableUUID: uuid.NewString(), maxKept: 1000}
}

// commit records files as a new snapshot and returns the manifest name and
// the encoded manifest and table metadata.
func (t *tableLog) commit(files []DataFile, now time.Time) (string, []byte, []byte, error) {
	entries := make([]ManifestEntry, len(files))
	for i, f := range files {
		entries[i] = ManifestEntry{Status: 1, DataFile: f}
	}
	manifest, err := json.Marshal(entries)
	if err != nil {
		return "", nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	snapID := now.UnixNano()
	if n := len(t.snapshots); n > 0 && t.snapshots[n-1].SnapshotID >= snapID {
		snapID = t.snapshots[n-1].SnapshotID + 1
	}
	name := fmt.Sprintf("manifest-%d.json", snapID)
	t.snapshots = append(t.snapshots, Snapshot{SnapshotID: snapID, TimestampMs: now.UnixMilli(), Manifest: name})
	if len(t.snapshots) > t.maxKept {
		t.snapshots = append([]Snapshot(nil), t.snapshots[len(t.snapshots)-t.maxKept:]...)
	}
	meta, err := json.MarshalIndent(TableMetadata{
		FormatVersion:     2,
		TableUUID:         t.tableUUID,
		Location:          t.location,
		CurrentSnapshotID: snapID,
		Snapshots:         t.snapshots,
	}, "", "  ")
	if err != nil {
		return "", nil, nil, err
	}
	return name, manifest, meta, nil
}
