package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerdrop/config"
	"peerdrop/discovery"
	"peerdrop/host"
	"peerdrop/identity"
	"peerdrop/protocol"
)

type shareFlags struct {
	transport   string
	listen      string
	password    string
	name        string
	chunkSize   int
	noAdvertise bool
}

func shareCmd() *cobra.Command {
	var flags shareFlags

	cmd := &cobra.Command{
		Use:   "share <file>...",
		Short: "Share local files with receivers on the network",
		Long: `Serve files to receivers over TCP or QUIC and advertise the share on the
LAN via mDNS. Lines typed while sharing are sent to every receiver as chat;
/nudge nudges them and /quit stops the share.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShare(cmd.Context(), args, flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.transport, "transport", "t", config.TransportTCP, "transport: tcp or quic")
	cmd.Flags().StringVarP(&flags.listen, "listen", "l", "", "listen address (default from config)")
	cmd.Flags().StringVarP(&flags.password, "password", "p", "", "require receivers to enter this password")
	cmd.Flags().StringVarP(&flags.name, "name", "n", "", "name advertised on the LAN (default from config)")
	cmd.Flags().IntVar(&flags.chunkSize, "chunk-size", host.DefaultChunkSize, "bytes per binary chunk")
	cmd.Flags().BoolVar(&flags.noAdvertise, "no-advertise", false, "do not advertise the share via mDNS")

	return cmd
}

func runShare(ctx context.Context, paths []string, flags shareFlags, in io.Reader, out io.Writer) error {
	logger := setupLogger(verbose)
	defer func() { _ = logger.Sync() }()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	files, err := host.FilesFromPaths(paths)
	if err != nil {
		return err
	}

	options := host.Options{
		Files:     files,
		Password:  flags.password,
		ChunkSize: flags.chunkSize,
		Logger:    logger,
		OnConnect: func(connID string) {
			fmt.Fprintln(out, okStyle.Render("receiver connected")+" "+mutedStyle.Render(connID))
		},
		OnText: func(connID, text string) {
			fmt.Fprintf(out, "%s %s\n", peerStyle.Render("receiver:"), text)
		},
		OnNudge: func(connID string) {
			fmt.Fprint(out, "\a")
			fmt.Fprintln(out, warningStyle.Render("*nudge*"))
		},
	}

	listen := lo.CoalesceOrEmpty(flags.listen, fmt.Sprintf(":%d", cfg.ListenPort))
	var h *host.Host
	switch kind := strings.ToLower(strings.TrimSpace(flags.transport)); kind {
	case config.TransportTCP:
		h, err = host.ListenTCP(listen, options)
	case config.TransportQUIC:
		id, idErr := identity.LoadOrCreate(filepath.Dir(cfgPath))
		if idErr != nil {
			return idErr
		}
		options.Key = id.Key
		h, err = host.ListenQUIC(listen, options)
		if err == nil {
			fmt.Fprintln(out, mutedStyle.Render("fingerprint ")+identity.Format(id.Fingerprint()))
		}
	default:
		return fmt.Errorf("share supports tcp or quic, not %q", kind)
	}
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Fprintf(out, "%s %d file(s) on %s (%s)\n", titleStyle.Render("sharing"), len(files), h.Addr(), h.Kind())
	fmt.Fprintln(out, shareTable(h.Files()))
	if h.Locked() {
		fmt.Fprintln(out, warningStyle.Render("password protected"))
	}

	if !flags.noAdvertise {
		broadcaster, err := h.Advertise(cfg.ClientID, discovery.Config{
			InstanceName: lo.CoalesceOrEmpty(flags.name, cfg.DisplayName),
		})
		if err != nil {
			logger.Warn("mDNS advertise failed", zap.Error(err))
			fmt.Fprintln(out, warningStyle.Render("not advertised on the LAN:")+" "+err.Error())
		} else {
			defer broadcaster.Stop()
			fmt.Fprintln(out, mutedStyle.Render("peer id ")+cfg.ClientID)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lines := readLines(in)
	errs := h.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, warningStyle.Render("warning:")+" "+err.Error())
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if handleShareCommand(h, line, out) {
				return nil
			}
		}
	}
}

// sharePrompt is the part of a host the share prompt drives.
type sharePrompt interface {
	BroadcastText(text string) int
	BroadcastNudge() int
	Connections() int
}

func handleShareCommand(h sharePrompt, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit" || line == "/exit":
		return true
	case line == "/nudge":
		fmt.Fprintf(out, "%s\n", mutedStyle.Render(fmt.Sprintf("nudged %d receiver(s)", h.BroadcastNudge())))
	case line == "/status":
		fmt.Fprintf(out, "%s\n", mutedStyle.Render(fmt.Sprintf("%d receiver(s) connected", h.Connections())))
	case strings.HasPrefix(line, "/"):
		fmt.Fprintln(out, dangerStyle.Render("unknown command "+line)+" "+mutedStyle.Render("(/nudge, /status, /quit)"))
	default:
		if h.BroadcastText(line) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("no receivers connected"))
		}
	}
	return false
}

func shareTable(files []protocol.FileMeta) string {
	rows := lo.Map(files, func(file protocol.FileMeta, i int) []string {
		return []string{fmt.Sprint(i + 1), file.Name, formatBytes(file.Size), file.Type}
	})
	return styledTable([]string{"#", "NAME", "SIZE", "TYPE"}, rows)
}
