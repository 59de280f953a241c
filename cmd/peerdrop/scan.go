package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"peerdrop/config"
	"peerdrop/discovery"
)

func scanCmd() *cobra.Command {
	var (
		timeout    time.Duration
		watch      bool
		transports []string
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List share hosts advertised on the LAN",
		Long: `Browse the LAN for share hosts. With --watch the scan repeats until
interrupted, printing hosts as they come and go; press enter to rescan now.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			scanConfig := discovery.Config{
				SelfPeerID:  cfg.ClientID,
				ScanTimeout: timeout,
				Transports:  lo.Map(transports, func(kind string, _ int) string { return strings.ToLower(strings.TrimSpace(kind)) }),
			}
			out := cmd.OutOrStdout()
			if watch {
				return watchHosts(cmd.Context(), scanConfig, cmd.InOrStdin(), out)
			}

			hosts, err := discovery.Scan(cmd.Context(), scanConfig)
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no share hosts found"))
				return nil
			}
			fmt.Fprintln(out, hostTable(hosts))
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", discovery.DefaultScanTimeout, "how long one scan listens for answers")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep scanning and print hosts as they come and go")
	cmd.Flags().StringSliceVarP(&transports, "transport", "t", nil, "only list hosts serving these transports (tcp, quic)")

	return cmd
}

func watchHosts(ctx context.Context, scanConfig discovery.Config, in io.Reader, out io.Writer) error {
	scanner, err := discovery.NewHostScanner(scanConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, mutedStyle.Render("watching for share hosts, enter rescans, ctrl+c stops"))
	return scanner.Watch(ctx, rescanRequests(ctx, readLines(in)), func(event discovery.Event) {
		fmt.Fprintln(out, hostEventLine(event))
	})
}

// rescanRequests turns each input line into a rescan request.
func rescanRequests(ctx context.Context, lines <-chan string) <-chan struct{} {
	refresh := make(chan struct{})
	go func() {
		for range lines {
			select {
			case refresh <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return refresh
}

func hostEventLine(event discovery.Event) string {
	if event.Type == discovery.EventHostRemoved {
		return dangerStyle.Render("- ") + hostLine(event.Host)
	}
	return okStyle.Render("+ ") + hostLine(event.Host)
}

func hostLine(host discovery.DiscoveredHost) string {
	return fmt.Sprintf("%s %s %s", host.Name, mutedStyle.Render(host.PeerID), hostAddress(host))
}

func hostAddress(host discovery.DiscoveredHost) string {
	address := lo.CoalesceOrEmpty(lo.FirstOrEmpty(host.Addresses), host.HostName)
	return fmt.Sprintf("%s:%d", address, host.Port)
}

func hostTable(hosts []discovery.DiscoveredHost) string {
	rows := lo.Map(hosts, func(host discovery.DiscoveredHost, _ int) []string {
		return []string{host.Name, host.PeerID, strings.ToUpper(host.Transport), hostAddress(host)}
	})
	return styledTable([]string{"NAME", "PEER ID", "TRANSPORT", "ADDRESS"}, rows)
}
