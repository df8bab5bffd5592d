package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfstream/logger"
)

var downloadsCmd = &cobra.Command{
	Use:   "downloads",
	Short: "List the verified local download cache",
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp()
		if err != nil {
			logger.Fatal("startup failed", logger.ErrorField(err))
		}
		defer a.close()

		records := a.manager.Records()
		if len(records) == 0 {
			fmt.Println("cache is empty")
			return
		}
		for _, rec := range records {
			fmt.Printf("%s  %s / %s  %.2f MB  %s\n",
				rec.ObjectID, rec.BookTitle, rec.Name,
				float64(rec.Size)/1024/1024, rec.LocalPath)
		}
		fmt.Printf("total: %.2f MB across %d book(s)\n",
			float64(a.manager.StorageUsed())/1024/1024, len(a.manager.DownloadedBooks()))
	},
}

func init() {
	rootCmd.AddCommand(downloadsCmd)
}
