// Package backup snapshots the bundler database: event watermarks and drop records.
package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/storage"
)

const (
	backupFileName  = "badger.backup"
	timestampLayout = "06-01-02-15-04-05"
)

type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string
	// number of snapshots kept on disk, zero keeps all
	keep int
}

func NewService(log logger.Logger, db storage.Storage, backupDir string, keep int) *Service {
	return &Service{
		logger:    logger.ForComponent(logger.EnsureLogger(log), "backup"),
		db:        db,
		backupDir: backupDir,
		keep:      keep,
	}
}

// PerformBackup writes a full snapshot to backupDir/<timestamp>/badger.backup and prunes old ones.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.backupDir, time.Now().UTC().Format(timestampLayout))
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("cannot flush backup file: %w", err)
	}

	s.logger.Info("backup completed", "file", backupFile)

	if err := s.prune(); err != nil {
		s.logger.Warn("cannot prune old backups", "error", err)
	}
	return backupFile, nil
}

// Snapshots lists the snapshot files in backupDir, oldest first.
func (s *Service) Snapshots() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(timestampLayout, e.Name()); err != nil {
			continue
		}
		file := filepath.Join(s.backupDir, e.Name(), backupFileName)
		if _, err := os.Stat(file); err == nil {
			files = append(files, file)
		}
	}
	// the timestamp layout sorts lexically
	sort.Strings(files)
	return files, nil
}

func (s *Service) prune() error {
	if s.keep <= 0 {
		return nil
	}
	files, err := s.Snapshots()
	if err != nil {
		return err
	}

	for len(files) > s.keep {
		dir := filepath.Dir(files[0])
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
		s.logger.Debug("old backup removed", "dir", dir)
		files = files[1:]
	}
	return nil
}

// Restore loads a snapshot file into db.
func Restore(ctx context.Context, db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := db.Load(ctx, f); err != nil {
		return fmt.Errorf("restore operation failed: %w", err)
	}
	return nil
}
