package safety

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/sheets/v4"

	"github.com/sheetbridge/gateway/internal/protocol"
)

// DriveCopier duplicates a spreadsheet file. The API shell's DriveService
// satisfies it.
type DriveCopier interface {
	CopyFile(ctx context.Context, fileID, name string) (*drive.File, error)
}

// ValuesIO is the slice of the shell the restore path needs.
type ValuesIO interface {
	Get(ctx context.Context, spreadsheetID, a1, renderOption, majorDimension string) (*sheets.ValueRange, error)
	Update(ctx context.Context, spreadsheetID, a1 string, vr *sheets.ValueRange, valueInputOption string) (*sheets.UpdateValuesResponse, error)
}

// SnapshotInfo identifies one pre-mutation capture. The snapshot is a real
// Drive file, so it survives gateway restarts and the user can open it.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	SourceID  string    `json:"source_id"`
	DriveID   string    `json:"drive_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	OwnerID   string    `json:"owner_id,omitempty"`
}

// SnapshotService creates and restores pre-mutation spreadsheet copies.
type SnapshotService struct {
	drive  DriveCopier
	values ValuesIO
	logger *slog.Logger

	mu        sync.Mutex
	snapshots map[string]*SnapshotInfo
}

// NewSnapshotService creates a service. values may be nil if restore is
// never needed (dry-run-only deployments).
func NewSnapshotService(drive DriveCopier, values ValuesIO, logger *slog.Logger) *SnapshotService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotService{
		drive:     drive,
		values:    values,
		logger:    logger,
		snapshots: make(map[string]*SnapshotInfo),
	}
}

// Create copies the spreadsheet and returns a snapshot handle.
func (s *SnapshotService) Create(ctx context.Context, spreadsheetID, ownerID string) (*SnapshotInfo, error) {
	id := uuid.NewString()
	name := fmt.Sprintf("snapshot-%s-%s", time.Now().UTC().Format("20060102-150405"), id[:8])

	file, err := s.drive.CopyFile(ctx, spreadsheetID, name)
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrSnapshotFailed, "snapshot of %s failed: %v", spreadsheetID, err).
			WithResolution("retry, or rerun with safety.create_snapshot=false to proceed without undo protection").
			Wrap(err)
	}

	info := &SnapshotInfo{
		ID:        id,
		SourceID:  spreadsheetID,
		DriveID:   file.Id,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		OwnerID:   ownerID,
	}
	s.mu.Lock()
	s.snapshots[id] = info
	s.mu.Unlock()

	s.logger.Info("snapshot created", "snapshot_id", id, "spreadsheet_id", spreadsheetID, "drive_id", file.Id)
	return info, nil
}

// Lookup returns the snapshot handle for id, scoped to owner. A mismatched
// owner is indistinguishable from a missing snapshot.
func (s *SnapshotService) Lookup(id, ownerID string) (*SnapshotInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.snapshots[id]
	if !ok || (info.OwnerID != "" && info.OwnerID != ownerID) {
		return nil, false
	}
	return info, true
}

// Restore copies the given ranges from the snapshot file back into the
// source spreadsheet. Ranges are restored in order; the first failure
// aborts and reports how far the restore got.
func (s *SnapshotService) Restore(ctx context.Context, info *SnapshotInfo, ranges []string) error {
	if s.values == nil {
		return protocol.Errorf(protocol.ErrInternal, "restore unavailable: no values backend configured")
	}
	for i, a1 := range ranges {
		vr, err := s.values.Get(ctx, info.DriveID, a1, "UNFORMATTED_VALUE", "")
		if err != nil {
			return protocol.Errorf(protocol.ErrSnapshotFailed, "restore of %s aborted at range %d/%d: %v", info.SourceID, i+1, len(ranges), err).Wrap(err)
		}
		vr.Range = a1
		if _, err := s.values.Update(ctx, info.SourceID, a1, vr, "RAW"); err != nil {
			return protocol.Errorf(protocol.ErrSnapshotFailed, "restore of %s aborted at range %d/%d: %v", info.SourceID, i+1, len(ranges), err).Wrap(err)
		}
	}
	s.logger.Info("snapshot restored", "snapshot_id", info.ID, "spreadsheet_id", info.SourceID, "ranges", len(ranges))
	return nil
}

// Meta renders the handle for the response _meta block.
func (info *SnapshotInfo) Meta() *protocol.SnapshotMeta {
	return &protocol.SnapshotMeta{
		ID:        info.ID,
		CreatedAt: info.CreatedAt,
		UndoInstructions: []string{fmt.Sprintf(
			"A copy named %q was saved to Drive before this change. To undo, restore from snapshot %s or open the copy directly.",
			info.Name, info.ID)},
	}
}
