package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shelfstream/ingest"
	"shelfstream/logger"
)

var uploadBookID string

var uploadCmd = &cobra.Command{
	Use:   "upload --book <book-id> <file>...",
	Short: "Stage and upload audio files for a book",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			logger.Fatal("startup failed", logger.ErrorField(err))
		}
		defer a.close()

		pipeline := ingest.NewPipeline(uploadBookID, a.objects, a.catalog, a.bus, a.cfg.MaxUploadSize, a.cfg.UploadConcurrency)

		for _, res := range pipeline.Stage(args) {
			if res.Accepted {
				fmt.Printf("staged:   %s\n", res.Name)
			} else {
				fmt.Printf("rejected: %s (%s)\n", res.Name, res.Reason)
			}
		}

		uploaded, err := pipeline.UploadAll(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
			os.Exit(1)
		}

		for _, f := range pipeline.Files() {
			switch f.Status {
			case ingest.StatusComplete:
				fmt.Printf("uploaded: %s (part %d)\n", f.Name, f.PartNumber)
			case ingest.StatusError:
				fmt.Printf("failed:   %s (%s)\n", f.Name, f.Error)
			}
		}
		fmt.Printf("%d file(s) uploaded\n", uploaded)
	},
}

func init() {
	uploadCmd.Flags().StringVar(&uploadBookID, "book", "", "id of the book the files belong to")
	uploadCmd.MarkFlagRequired("book")
	rootCmd.AddCommand(uploadCmd)
}
