package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"

	"peerdrop/session"
)

var (
	primaryColor = lipgloss.Color("#FF79C6")
	accentColor  = lipgloss.Color("#50FA7B")
	warningColor = lipgloss.Color("#FFB86C")
	dangerColor  = lipgloss.Color("#FF5555")
	mutedColor   = lipgloss.Color("#6272A4")
	peerColor    = lipgloss.Color("#8BE9FD")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	okStyle      = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	selfStyle    = lipgloss.NewStyle().Foreground(primaryColor)
	peerStyle    = lipgloss.NewStyle().Foreground(peerColor)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(peerColor).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
)

func formatBytes(bytes int64) string {
	if bytes < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(bytes))
}

func formatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond <= 0 {
		return "-"
	}
	return formatBytes(int64(bytesPerSecond)) + "/s"
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func statusLine(snap session.Snapshot) string {
	switch snap.Status {
	case session.StatusConnected:
		return okStyle.Render("● connected")
	case session.StatusDisconnected:
		line := dangerStyle.Render("● disconnected")
		if snap.LastError != nil {
			line += " " + mutedStyle.Render(snap.LastError.Error())
		}
		return line
	default:
		return warningStyle.Render("● connecting") + " " + mutedStyle.Render(snap.Stage.String())
	}
}

func latencyLine(snap session.Snapshot) string {
	if !snap.HasLatency {
		return mutedStyle.Render("latency: -")
	}
	return mutedStyle.Render("latency: " + snap.Latency.Round(time.Millisecond).String())
}

func transferLabel(state session.DownloadState) string {
	switch state.Status {
	case session.TransferCompleted:
		return okStyle.Render("completed")
	case session.TransferFailed:
		return dangerStyle.Render("failed")
	case session.TransferDownloading:
		return warningStyle.Render(fmt.Sprintf("%.0f%% %s eta %s",
			state.Progress, formatSpeed(state.Speed), formatETA(state.TimeRemaining)))
	default:
		return mutedStyle.Render("pending")
	}
}

func styledTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...).
		Rows(rows...).
		String()
}

func fileTable(files []session.FileEntry) string {
	rows := lo.Map(files, func(entry session.FileEntry, i int) []string {
		return []string{
			strconv.Itoa(i + 1),
			entry.Name,
			formatBytes(entry.Size),
			entry.Type,
			transferLabel(entry.State),
		}
	})
	return styledTable([]string{"#", "NAME", "SIZE", "TYPE", "STATUS"}, rows)
}

func messageLine(message session.TextMessage) string {
	stamp := mutedStyle.Render(message.Timestamp.Format("15:04:05"))
	if message.Sender == session.SenderSelf {
		return fmt.Sprintf("%s %s %s", stamp, selfStyle.Render("you:"), message.Text)
	}
	return fmt.Sprintf("%s %s %s", stamp, peerStyle.Render("host:"), message.Text)
}

// receiveView prints the changes between consecutive snapshots.
type receiveView struct {
	out io.Writer

	status        string
	fileIDs       []string
	locked        bool
	passwordError bool
	nudged        bool
	messages      int
	states        map[string]session.TransferStatus
	bars          map[string]*progressbar.ProgressBar
}

func newReceiveView(out io.Writer) *receiveView {
	return &receiveView{
		out:    out,
		states: make(map[string]session.TransferStatus),
		bars:   make(map[string]*progressbar.ProgressBar),
	}
}

func (v *receiveView) render(snap session.Snapshot) {
	if line := statusLine(snap); line != v.status {
		v.status = line
		fmt.Fprintln(v.out, line)
	}

	if snap.Locked && !v.locked {
		fmt.Fprintln(v.out, warningStyle.Render("host is password protected")+" "+mutedStyle.Render("(/password <secret>)"))
	}
	v.locked = snap.Locked
	if snap.PasswordError && !v.passwordError {
		fmt.Fprintln(v.out, dangerStyle.Render("wrong password"))
	}
	v.passwordError = snap.PasswordError

	ids := lo.Map(snap.Files, func(entry session.FileEntry, _ int) string { return entry.ID })
	if len(ids) > 0 && !slices.Equal(ids, v.fileIDs) {
		fmt.Fprintln(v.out, titleStyle.Render("Shared files"))
		fmt.Fprintln(v.out, fileTable(snap.Files))
	}
	v.fileIDs = ids

	v.renderTransfers(snap)

	for _, message := range snap.Messages[min(v.messages, len(snap.Messages)):] {
		fmt.Fprintln(v.out, messageLine(message))
	}
	v.messages = len(snap.Messages)

	if snap.Nudged && !v.nudged {
		fmt.Fprintln(v.out, warningStyle.Render("*nudge*"))
	}
	v.nudged = snap.Nudged
}

func (v *receiveView) renderTransfers(snap session.Snapshot) {
	if snap.ActiveFileID != "" {
		bar := v.bars[snap.ActiveFileID]
		if bar == nil {
			entry, _ := snap.File(snap.ActiveFileID)
			size := entry.Size
			if size <= 0 {
				size = -1
			}
			bar = progressbar.NewOptions64(size,
				progressbar.OptionSetDescription(lo.CoalesceOrEmpty(entry.Name, snap.ActiveFileID)),
				progressbar.OptionSetWriter(v.out),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(20),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionClearOnFinish(),
			)
			v.bars[snap.ActiveFileID] = bar
		}
		_ = bar.Set64(snap.ReceivedBytes)
	}

	for _, entry := range snap.Files {
		status := entry.State.Status
		previous := v.states[entry.ID]
		v.states[entry.ID] = status
		if status == previous {
			continue
		}
		if status != session.TransferCompleted && status != session.TransferFailed {
			continue
		}
		if bar := v.bars[entry.ID]; bar != nil {
			_ = bar.Finish()
			delete(v.bars, entry.ID)
		}
		if status == session.TransferCompleted {
			fmt.Fprintln(v.out, okStyle.Render("✓ received")+" "+entry.Name)
		} else {
			fmt.Fprintln(v.out, dangerStyle.Render("✗ failed")+" "+entry.Name)
		}
	}
}
