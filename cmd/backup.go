package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/backup"
	"github.com/AvaProtocol/ap-bundler/storage"
)

var (
	backupDir   string
	backupKeep  int
	dbPath      string
	restoreFile string

	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "Backup BadgerDB data",
		Long: `Take a one-time snapshot of the bundler database. The bundler must be stopped, a running
bundler takes its own snapshots when backup.dir is configured.

Backups are stored in the format: /backup_dir/yy-mm-dd-hh-mm-ss/badger.backup`,
		Run: func(cmd *cobra.Command, args []string) {
			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to open database: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			file, err := backup.NewService(nil, db, backupDir, backupKeep).PerformBackup(context.Background())
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Backup failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backup completed successfully to %s\n", file)
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restore BadgerDB data from backup",
		Long: `Restore BadgerDB data from a backup file.

Use --db-path to specify the BadgerDB directory to restore to.
Use --file to specify the backup file to restore from.`,
		Run: func(cmd *cobra.Command, args []string) {
			if err := os.MkdirAll(dbPath, 0755); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to create DB directory: %v\n", err)
				os.Exit(1)
			}

			db, err := storage.NewWithPath(dbPath)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Failed to open database: %v\n", err)
				os.Exit(1)
			}
			defer db.Close()

			if err := backup.Restore(context.Background(), db, restoreFile); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
				os.Exit(1)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restore completed successfully\n")
		},
	}
)

func init() {
	backupCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	backupCmd.Flags().StringVar(&backupDir, "dir", "./backup", "Directory to store backups")
	backupCmd.Flags().IntVar(&backupKeep, "keep", 0, "Number of snapshots to keep in dir, 0 keeps all")
	_ = backupCmd.MarkFlagRequired("db-path")
	rootCmd.AddCommand(backupCmd)

	restoreCmd.Flags().StringVar(&dbPath, "db-path", "", "Path to the BadgerDB directory (required)")
	restoreCmd.Flags().StringVar(&restoreFile, "file", "", "Backup file to restore from (required)")
	_ = restoreCmd.MarkFlagRequired("db-path")
	_ = restoreCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(restoreCmd)
}
