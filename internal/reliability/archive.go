package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/helmsman/internal/database"
	"github.com/aristath/helmsman/internal/events"
)

const (
	archivePrefix     = "ledger-archive-"
	archiveTimeLayout = "2006-01-02-150405"

	// minArchivesKept is the retention floor: recent archives survive
	// even a misconfigured retention count.
	minArchivesKept = 3
)

// ArchiveManifest describes one uploaded archive so a restored copy can
// be verified before it is trusted.
type ArchiveManifest struct {
	CreatedAt time.Time     `json:"created_at"`
	Records   int           `json:"records"`
	Files     []ArchiveFile `json:"files"`
}

// ArchiveFile carries the identity and checksum of one file inside the
// archive.
type ArchiveFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// ArchiveInfo summarizes a remote archive for listing surfaces.
type ArchiveInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// ArchiveService exports the append-only run ledger to remote object
// storage. Each archive is a tar.gz bundle holding a point-in-time
// snapshot of the ledger database plus a manifest with SHA-256
// checksums.
type ArchiveService struct {
	ledgerDB *database.DB
	client   ObjectClient
	events   *events.Manager
	dataDir  string
	retain   int
	log      zerolog.Logger
}

// NewArchiveService creates the archival service. events may be nil.
func NewArchiveService(
	ledgerDB *database.DB,
	client ObjectClient,
	evts *events.Manager,
	dataDir string,
	retain int,
	log zerolog.Logger,
) *ArchiveService {
	return &ArchiveService{
		ledgerDB: ledgerDB,
		client:   client,
		events:   evts,
		dataDir:  dataDir,
		retain:   retain,
		log:      log.With().Str("service", "ledger_archive").Logger(),
	}
}

// CreateAndUpload snapshots the ledger, bundles it with a manifest and
// uploads the archive. Returns the remote key.
func (s *ArchiveService) CreateAndUpload(ctx context.Context) (string, error) {
	s.log.Info().Msg("Starting ledger archive")
	startTime := time.Now()

	// VACUUM INTO refuses to overwrite, so clear any leftovers from an
	// interrupted run before staging.
	stagingDir := filepath.Join(s.dataDir, "archive-staging")
	if err := os.RemoveAll(stagingDir); err != nil {
		return "", fmt.Errorf("failed to clear staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	snapshotPath := filepath.Join(stagingDir, "ledger.db")
	if err := s.snapshotLedger(ctx, snapshotPath); err != nil {
		return "", err
	}

	records, err := s.countRecords(ctx)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat ledger snapshot: %w", err)
	}

	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum ledger snapshot: %w", err)
	}

	manifest := ArchiveManifest{
		CreatedAt: time.Now().UTC(),
		Records:   records,
		Files: []ArchiveFile{
			{Name: "ledger.db", SizeBytes: info.Size(), Checksum: checksum},
		},
	}

	manifestPath := filepath.Join(stagingDir, "manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return "", fmt.Errorf("failed to write manifest: %w", err)
	}

	key := archivePrefix + time.Now().UTC().Format(archiveTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, key)
	if err := createArchive(archivePath, snapshotPath, manifestPath); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archiveInfo, err := os.Stat(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.client.Upload(ctx, key, archiveFile, archiveInfo.Size()); err != nil {
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	if s.events != nil {
		s.events.EmitTyped(events.ArchiveCompleted, "reliability", &events.ArchiveCompletedData{
			Key:       key,
			SizeBytes: archiveInfo.Size(),
			Records:   records,
		})
	}

	s.log.Info().
		Str("archive", key).
		Int("records", records).
		Int64("size_bytes", archiveInfo.Size()).
		Dur("duration_ms", time.Since(startTime)).
		Msg("Ledger archive completed")

	return key, nil
}

// List returns the remote archives, newest first.
func (s *ArchiveService) List(ctx context.Context) ([]ArchiveInfo, error) {
	objects, err := s.client.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	archives := make([]ArchiveInfo, 0, len(objects))
	now := time.Now()

	for _, obj := range objects {
		timestamp, ok := parseArchiveKey(obj.Key)
		if !ok {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping object with unrecognized archive name")
			continue
		}

		archives = append(archives, ArchiveInfo{
			Key:       obj.Key,
			Timestamp: timestamp,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Timestamp.After(archives[j].Timestamp)
	})

	return archives, nil
}

// Prune deletes archives beyond the retention count. The newest
// minArchivesKept always survive; a retention of zero keeps everything.
func (s *ArchiveService) Prune(ctx context.Context) error {
	if s.retain < 1 {
		return nil
	}

	archives, err := s.List(ctx)
	if err != nil {
		return err
	}

	keep := s.retain
	if keep < minArchivesKept {
		keep = minArchivesKept
	}
	if len(archives) <= keep {
		return nil
	}

	deleted := 0
	for _, archive := range archives[keep:] {
		if err := s.client.Delete(ctx, archive.Key); err != nil {
			s.log.Error().
				Err(err).
				Str("key", archive.Key).
				Msg("Failed to delete old archive")
			continue
		}

		s.log.Info().
			Str("key", archive.Key).
			Time("timestamp", archive.Timestamp).
			Msg("Deleted old archive")
		deleted++
	}

	s.log.Info().
		Int("deleted", deleted).
		Int("remaining", len(archives)-deleted).
		Msg("Archive retention pass completed")

	return nil
}

// snapshotLedger writes a consistent point-in-time copy of the ledger
// database. VACUUM INTO reads through the WAL without blocking writers.
func (s *ArchiveService) snapshotLedger(ctx context.Context, dst string) error {
	if _, err := s.ledgerDB.ExecContext(ctx, "VACUUM INTO ?", dst); err != nil {
		return fmt.Errorf("failed to snapshot ledger database: %w", err)
	}
	return nil
}

func (s *ArchiveService) countRecords(ctx context.Context) (int, error) {
	var count int
	err := s.ledgerDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_records").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count ledger records: %w", err)
	}
	return count, nil
}

// parseArchiveKey extracts the timestamp from an archive key, rejecting
// foreign objects that share the bucket.
func parseArchiveKey(key string) (time.Time, bool) {
	if !strings.HasPrefix(key, archivePrefix) || !strings.HasSuffix(key, ".tar.gz") {
		return time.Time{}, false
	}

	stamp := strings.TrimSuffix(strings.TrimPrefix(key, archivePrefix), ".tar.gz")
	timestamp, err := time.Parse(archiveTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return timestamp, true
}

// fileChecksum returns the SHA-256 of a file as "sha256:<hex>".
func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeManifest(path string, manifest ArchiveManifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

// createArchive bundles the named files into a tar.gz at archivePath,
// storing each under its basename.
func createArchive(archivePath string, files ...string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, path := range files {
		if err := addFileToArchive(tarWriter, path, filepath.Base(path)); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}

	return nil
}

func addFileToArchive(tarWriter *tar.Writer, filePath, nameInArchive string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	if _, err := io.Copy(tarWriter, file); err != nil {
		return err
	}

	return nil
}
