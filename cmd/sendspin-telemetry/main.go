// ABOUTME: Live terminal dashboard for a running SendSpin player
// ABOUTME: Connects as a player and renders clock/scheduler telemetry with bubbletea
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sendspin/sendspin-go/pkg/sendspinplayer"
	"github.com/sendspin/sendspin-go/pkg/sink"
)

var (
	serverAddr = flag.String("server", "", "Server URL, e.g. ws://host:8927/sendspin")
	name       = flag.String("name", "sendspin-telemetry", "Player friendly name")
	codecPref  = flag.String("codec", "opus", "Preferred codec: opus, flac or pcm")
	logFile    = flag.String("log-file", "sendspin-telemetry.log", "Log file path")
)

type tickMsg time.Time

func tickEvery() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	player    *sendspinplayer.Player
	telemetry sendspinplayer.Telemetry
	startTime time.Time
	quitting  bool
}

func (m model) Init() tea.Cmd {
	return tickEvery()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		m.telemetry = m.player.Telemetry()
		return m, tickEvery()
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "Disconnecting...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		MarginBottom(1)
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("86"))
	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("250"))

	t := m.telemetry
	var b strings.Builder

	b.WriteString(titleStyle.Render("SendSpin Telemetry"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(headerStyle.Render(label + ": "))
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	row("State", t.State)
	row("Uptime", time.Since(m.startTime).Round(time.Second).String())
	b.WriteString("\n")

	filterState := "converging"
	if t.FilterReady {
		filterState = "ready"
	}
	row("Clock filter", filterState)
	row("Offset error", fmt.Sprintf("%d us", t.OffsetErrorUs))
	row("Drift rate", fmt.Sprintf("%.3f ppm", t.DriftRate*1e6))
	b.WriteString("\n")

	row("Frames written", fmt.Sprintf("%d", t.TotalFramesWritten))
	row("Underrun frames", fmt.Sprintf("%d", t.UnderrunFrames))
	row("Frames inserted", fmt.Sprintf("%d", t.FramesInserted))
	row("Frames dropped", fmt.Sprintf("%d", t.FramesDropped))
	row("Late chunks", fmt.Sprintf("%d", t.LateDroppedChunks))
	row("Dropped sends", fmt.Sprintf("%d", t.DroppedSends))
	b.WriteString("\n")

	row("Last sync error", fmt.Sprintf("%d us (threshold %d us, %s)",
		t.LastSync.ErrorUs, t.LastSync.AdaptiveThresholdUs, t.LastSync.Action))

	b.WriteString("\n")
	b.WriteString(lipgloss.NewStyle().Faint(true).Render("Press 'q' or Ctrl+C to quit"))
	return b.String()
}

func main() {
	flag.Parse()

	if *serverAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: sendspin-telemetry -server ws://host:port/sendspin")
		os.Exit(2)
	}

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()
	// The TUI owns the terminal; logs go to the file only.
	logger := log.New(io.Writer(f), "", log.LstdFlags)

	out := sink.NewOto(logger)
	player, err := sendspinplayer.NewPlayer(sendspinplayer.Config{
		ServerAddr:     *serverAddr,
		PlayerName:     *name,
		PreferredCodec: *codecPref,
	}, out, logger)
	if err != nil {
		log.Fatalf("create player: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := player.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("player error: %v", err)
		}
	}()

	p := tea.NewProgram(model{player: player, startTime: time.Now()})
	if _, err := p.Run(); err != nil {
		log.Fatalf("tui error: %v", err)
	}

	cancel()
	player.Close()
}
