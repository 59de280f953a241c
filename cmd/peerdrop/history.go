package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/storage"
)

func historyCmd() *cobra.Command {
	var (
		limit    int
		messages string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show received files, or the chat log with one host",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfgPath, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store, _, err := storage.Open(filepath.Dir(cfgPath))
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if messages != "" {
				log, err := store.ListMessages(messages, limit, 0)
				if err != nil {
					return err
				}
				if len(log) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("no messages with "+messages))
				}
				for _, message := range log {
					fmt.Fprintln(out, storedMessageLine(message))
				}
				return nil
			}

			downloads, err := store.ListDownloads(limit, 0)
			if err != nil {
				return err
			}
			if len(downloads) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("nothing received yet"))
				return nil
			}
			fmt.Fprintln(out, downloadTable(downloads))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows to show")
	cmd.Flags().StringVar(&messages, "messages", "", "show the chat log with this peer id")

	return cmd
}

func storedMessageLine(message storage.Message) string {
	stamp := mutedStyle.Render(time.UnixMilli(message.Timestamp).Format("2006-01-02 15:04:05"))
	who := lo.Ternary(message.Sender == storage.SenderSelf, selfStyle.Render("you:"), peerStyle.Render("host:"))
	return fmt.Sprintf("%s %s %s", stamp, who, message.Content)
}

func downloadTable(downloads []storage.Download) string {
	rows := lo.Map(downloads, func(d storage.Download, _ int) []string {
		status := lo.Ternary(d.TransferStatus == storage.DownloadStatusCompleted,
			okStyle.Render(d.TransferStatus), dangerStyle.Render(d.TransferStatus))
		return []string{
			time.UnixMilli(d.TimestampReceived).Format("2006-01-02 15:04"),
			d.Filename,
			formatBytes(d.Filesize),
			d.PeerID,
			status,
			lo.CoalesceOrEmpty(d.StoredPath, "-"),
		}
	})
	return styledTable([]string{"RECEIVED", "NAME", "SIZE", "FROM", "STATUS", "PATH"}, rows)
}
