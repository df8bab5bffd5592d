package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"shelfstream/logger"
)

var (
	downloadBookID string
	downloadTitle  string
)

var downloadCmd = &cobra.Command{
	Use:   "download --book <book-id>",
	Short: "Download a book's audio files into the local cache",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			logger.Fatal("startup failed", logger.ErrorField(err))
		}
		defer a.close()

		ctx := context.Background()
		objects, err := a.catalog.Objects(ctx, downloadBookID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list objects: %v\n", err)
			os.Exit(1)
		}
		if len(objects) == 0 {
			fmt.Println("book has no audio objects")
			return
		}

		completed, err := a.manager.DownloadAllForBook(ctx, downloadBookID, downloadTitle, objects)
		if err != nil {
			fmt.Fprintf(os.Stderr, "download failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d of %d file(s) downloaded\n", completed, len(objects))
	},
}

func init() {
	downloadCmd.Flags().StringVar(&downloadBookID, "book", "", "id of the book to download")
	downloadCmd.Flags().StringVar(&downloadTitle, "title", "", "book title stored with the download records")
	downloadCmd.MarkFlagRequired("book")
	rootCmd.AddCommand(downloadCmd)
}
