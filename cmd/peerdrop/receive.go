package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerdrop/config"
	"peerdrop/discovery"
	"peerdrop/download"
	"peerdrop/session"
	"peerdrop/storage"
	"peerdrop/transport"
)

type receiveFlags struct {
	transport string
	all       bool
	files     []string
	password  string
	pin       string
}

// controller is the part of a session the CLI drives.
type controller interface {
	StartDownload(fileID string)
	DownloadAll()
	VerifyPassword(password string)
	SendText(text string)
	SendNudge()
}

func receiveCmd() *cobra.Command {
	var flags receiveFlags

	cmd := &cobra.Command{
		Use:   "receive <peer-id>",
		Short: "Connect to a share host and download files",
		Long: `Connect to a share host and browse its files.

With --all or --file the listed files are downloaded and the command exits
once they finish. Without them the session stays open; type /help for the
interactive commands. Any other line is sent to the host as chat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd.Context(), args[0], flags, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&flags.transport, "transport", "t", "", "transport: peerjs, tcp or quic (default from config)")
	cmd.Flags().BoolVarP(&flags.all, "all", "a", false, "download every file and exit")
	cmd.Flags().StringSliceVarP(&flags.files, "file", "f", nil, "download a file by id, name or list number and exit (repeatable)")
	cmd.Flags().StringVarP(&flags.password, "password", "p", "", "password for a protected share")
	cmd.Flags().StringVar(&flags.pin, "fingerprint", "", "expected host fingerprint (quic only)")

	return cmd
}

func runReceive(ctx context.Context, peerID string, flags receiveFlags, in io.Reader, out io.Writer) error {
	logger := setupLogger(verbose)
	defer func() { _ = logger.Sync() }()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, _, err := storage.Open(filepath.Dir(cfgPath))
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	kind := strings.ToLower(lo.CoalesceOrEmpty(strings.TrimSpace(flags.transport), cfg.Transport))
	tr, err := newTransport(kind, cfg, flags.pin, logger)
	if err != nil {
		return err
	}

	updates := make(chan session.Snapshot, 1)
	s, err := session.New(session.Options{
		PeerID:       peerID,
		Transport:    tr,
		Materializer: download.NewSaver(cfg.DownloadDir, peerID, store, logger),
		Logger:       logger,
		OnUpdate:     func(snap session.Snapshot) { offerLatest(updates, snap) },
		OnMessage: func(message session.TextMessage) {
			if err := store.SaveMessage(toStoredMessage(peerID, message)); err != nil {
				logger.Warn("save chat message failed", zap.Error(err))
			}
		},
		Haptics:           func() { fmt.Fprint(out, "\a") },
		ConnectTimeout:    cfg.ConnectTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		SamplerInterval:   cfg.SamplerInterval(),
		SpeedWindow:       cfg.SpeedWindow(),
		QueueDelay:        cfg.QueueDelay(),
		NudgeClear:        cfg.NudgeClear(),
		RequestTimeout:    cfg.RequestTimeout(),
	})
	if err != nil {
		_ = tr.Destroy()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(out, "%s %s %s\n", titleStyle.Render("peerdrop"), mutedStyle.Render("connecting to"), peerID)
	fmt.Fprintln(out, mutedStyle.Render("saving to "+cfg.DownloadDir))

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	finish := func(err error) error {
		s.Close()
		<-runErr
		return err
	}

	plan := newReceivePlan(flags)
	view := newReceiveView(out)
	lines := readLines(in)
	for {
		select {
		case snap := <-updates:
			view.render(snap)
			if done, err := plan.step(s, snap); done {
				return finish(err)
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if handleCommand(s, s.Snapshot(), line, out) {
				return finish(nil)
			}
		case err := <-s.Errors():
			fmt.Fprintln(out, warningStyle.Render("warning:")+" "+err.Error())
		case err := <-runErr:
			view.render(s.Snapshot())
			if errors.Is(err, context.Canceled) || errors.Is(err, session.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func newTransport(kind string, cfg *config.ReceiverConfig, pin string, logger *zap.Logger) (transport.Transport, error) {
	resolverConfig := discovery.Config{SelfPeerID: cfg.ClientID}
	streamOptions := transport.StreamOptions{
		LocalID:           cfg.ClientID,
		DialTimeout:       cfg.ConnectTimeout(),
		PinnedFingerprint: pin,
		Logger:            logger,
	}

	switch kind {
	case config.TransportPeerJS:
		return transport.NewPeerJS(transport.PeerJSOptions{
			Host:       cfg.PeerJS.Host,
			Port:       cfg.PeerJS.Port,
			Path:       cfg.PeerJS.Path,
			Secure:     cfg.PeerJS.Secure,
			Key:        cfg.PeerJS.Key,
			ICEServers: cfg.ICEServers,
			Logger:     logger,
		}), nil
	case config.TransportTCP:
		return transport.NewTCP(transport.MDNSResolver{Config: resolverConfig, Kind: config.TransportTCP}, streamOptions), nil
	case config.TransportQUIC:
		return transport.NewQUIC(transport.MDNSResolver{Config: resolverConfig, Kind: config.TransportQUIC}, streamOptions), nil
	default:
		return nil, fmt.Errorf("unknown transport %q (want peerjs, tcp or quic)", kind)
	}
}

// offerLatest replaces any unread snapshot so the session loop never blocks on the terminal.
func offerLatest(updates chan session.Snapshot, snap session.Snapshot) {
	for {
		select {
		case updates <- snap:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
	}
}

func toStoredMessage(peerID string, message session.TextMessage) storage.Message {
	return storage.Message{
		MessageID: message.ID,
		PeerID:    peerID,
		Sender:    string(message.Sender),
		Content:   message.Text,
		Timestamp: message.Timestamp.UnixMilli(),
	}
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// receivePlan carries out the downloads requested on the command line.
type receivePlan struct {
	all      bool
	refs     []string
	password string

	passwordSent bool
	requested    bool
	targets      []string
}

func newReceivePlan(flags receiveFlags) *receivePlan {
	return &receivePlan{
		all:      flags.all,
		refs:     lo.Compact(lo.Map(flags.files, func(ref string, _ int) string { return strings.TrimSpace(ref) })),
		password: strings.TrimSpace(flags.password),
	}
}

func (p *receivePlan) batch() bool {
	return p.all || len(p.refs) > 0
}

// step reacts to one snapshot and reports whether the command should exit.
func (p *receivePlan) step(c controller, snap session.Snapshot) (bool, error) {
	if snap.Status == session.StatusDisconnected {
		if p.batch() && p.requested && p.finished(snap) {
			return true, p.outcome(snap)
		}
		if snap.LastError != nil {
			return true, snap.LastError
		}
		return true, errors.New("host closed the connection")
	}
	if snap.Status != session.StatusConnected {
		return false, nil
	}

	if snap.Locked {
		if p.passwordSent && snap.PasswordError && !snap.Verifying {
			return true, errors.New("password rejected by host")
		}
		if p.password != "" && !p.passwordSent {
			c.VerifyPassword(p.password)
			p.passwordSent = true
		}
		return false, nil
	}

	if !p.batch() {
		return false, nil
	}
	if !p.requested {
		if len(snap.Files) == 0 {
			return false, nil
		}
		if err := p.request(c, snap); err != nil {
			return true, err
		}
		p.requested = true
		if len(p.targets) == 0 {
			return true, nil
		}
		return false, nil
	}

	if p.finished(snap) {
		return true, p.outcome(snap)
	}
	return false, nil
}

func (p *receivePlan) request(c controller, snap session.Snapshot) error {
	if p.all {
		p.targets = lo.FilterMap(snap.Files, func(entry session.FileEntry, _ int) (string, bool) {
			return entry.ID, entry.State.Status != session.TransferCompleted
		})
		c.DownloadAll()
		return nil
	}

	for _, ref := range p.refs {
		entry, err := resolveFileRef(snap.Files, ref)
		if err != nil {
			return err
		}
		p.targets = append(p.targets, entry.ID)
	}
	p.targets = lo.Uniq(p.targets)
	for _, id := range p.targets {
		c.StartDownload(id)
	}
	return nil
}

func (p *receivePlan) finished(snap session.Snapshot) bool {
	return lo.EveryBy(p.targets, func(id string) bool {
		status := snap.States[id].Status
		return status == session.TransferCompleted || status == session.TransferFailed
	})
}

func (p *receivePlan) outcome(snap session.Snapshot) error {
	failed := lo.CountBy(p.targets, func(id string) bool {
		return snap.States[id].Status != session.TransferCompleted
	})
	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(p.targets))
	}
	return nil
}

// resolveFileRef finds a file by id, exact name or 1-based list number.
func resolveFileRef(files []session.FileEntry, ref string) (session.FileEntry, error) {
	if entry, ok := lo.Find(files, func(entry session.FileEntry) bool { return entry.ID == ref }); ok {
		return entry, nil
	}
	if entry, ok := lo.Find(files, func(entry session.FileEntry) bool { return entry.Name == ref }); ok {
		return entry, nil
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(files) {
		return files[n-1], nil
	}
	return session.FileEntry{}, fmt.Errorf("no shared file matches %q", ref)
}

const receiveHelp = `commands:
  /files            list shared files
  /get <ref>        download a file by number, name or id
  /all              download every file
  /password <pw>    unlock a protected share
  /nudge            nudge the host
  /status           show connection status and latency
  /quit             leave
anything else is sent as chat`

// handleCommand runs one line typed by the user and reports whether to quit.
func handleCommand(c controller, snap session.Snapshot, line string, out io.Writer) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		c.SendText(line)
		return false
	}

	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch command {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, mutedStyle.Render(receiveHelp))
	case "/files":
		if len(snap.Files) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("no files shared yet"))
			return false
		}
		fmt.Fprintln(out, fileTable(snap.Files))
	case "/get":
		entry, err := resolveFileRef(snap.Files, arg)
		if err != nil {
			fmt.Fprintln(out, dangerStyle.Render(err.Error()))
			return false
		}
		c.StartDownload(entry.ID)
	case "/all":
		c.DownloadAll()
	case "/password":
		if arg == "" {
			fmt.Fprintln(out, dangerStyle.Render("usage: /password <secret>"))
			return false
		}
		c.VerifyPassword(arg)
	case "/nudge":
		c.SendNudge()
	case "/status":
		fmt.Fprintln(out, statusLine(snap)+"  "+latencyLine(snap))
	default:
		fmt.Fprintln(out, dangerStyle.Render("unknown command "+command)+" "+mutedStyle.Render("(/help)"))
	}
	return false
}
