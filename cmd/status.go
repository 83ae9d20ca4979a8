package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/model"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/storage/schema"
)

const statusDropLimit = 10

var (
	statusDbPath string

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Display system status",
		Long:  `Display status information persisted by the bundler: event watermarks and recent drop records`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "📊 System Status Report\n")
			fmt.Fprintf(out, "======================\n\n")

			db, err := storage.NewWithPath(statusDbPath)
			if err != nil {
				fmt.Fprintf(out, "❌ Failed to initialize database: %v\n", err)
				fmt.Fprintf(out, "   💡 Make sure the bundler has been started at least once\n")
				os.Exit(1)
			}
			defer db.Close()
			fmt.Fprintf(out, "💾 Opened %s\n\n", db.DbPath())

			if err := printStatus(out, db); err != nil {
				fmt.Fprintf(out, "❌ %v\n", err)
				os.Exit(1)
			}
		},
	}
)

func printStatus(out io.Writer, db storage.Storage) error {
	watermarks, err := db.GetByPrefix([]byte(schema.WatermarkPrefix))
	if err != nil {
		return fmt.Errorf("failed to query watermarks: %w", err)
	}

	fmt.Fprintf(out, "⛓️  Event Watermarks:\n")
	if len(watermarks) == 0 {
		fmt.Fprintf(out, "   No entry point scanned yet\n")
	}
	for _, item := range watermarks {
		ep, err := schema.EntryPointFromWatermarkKey(item.Key)
		if err != nil {
			continue
		}
		block, err := db.GetCounter(item.Key)
		if err != nil {
			fmt.Fprintf(out, "   %s: unreadable (%v)\n", ep.Hex(), err)
			continue
		}
		fmt.Fprintf(out, "   %s: block %d\n", ep.Hex(), block)
	}
	fmt.Fprintf(out, "\n")

	total, err := db.CountKeysByPrefix([]byte(schema.DropPrefix))
	if err != nil {
		return fmt.Errorf("failed to count drop records: %w", err)
	}
	fmt.Fprintf(out, "🗑️  Dropped user operations: %d\n", total)
	if total == 0 {
		return nil
	}

	items, err := db.GetByPrefix([]byte(schema.DropPrefix))
	if err != nil {
		return fmt.Errorf("failed to query drop records: %w", err)
	}

	drops := make([]*model.DropRecord, 0, len(items))
	for _, item := range items {
		var record model.DropRecord
		if err := json.Unmarshal(item.Value, &record); err != nil {
			continue
		}
		drops = append(drops, &record)
	}
	sort.Slice(drops, func(i, j int) bool {
		return drops[i].DroppedAt.After(drops[j].DroppedAt)
	})

	for i, d := range drops {
		if i >= statusDropLimit {
			fmt.Fprintf(out, "   ... and %d more\n", len(drops)-statusDropLimit)
			break
		}
		fmt.Fprintf(out, "   %d. %s sender=%s at %s: %s\n", i+1, d.Hash.Hex(), d.Sender.Hex(), d.DroppedAt.UTC().Format("2006-01-02 15:04:05"), d.Reason)
	}
	return nil
}

func init() {
	statusCmd.Flags().StringVar(&statusDbPath, "db", "./data/badger", "path to the bundler database")
	rootCmd.AddCommand(statusCmd)
}
