// ABOUTME: Terminal viewer for agent network message history
// ABOUTME: Lists networks or renders one network's chat log with time and agent filters

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ethanmcrae/agent-network/internal/config"
	"github.com/ethanmcrae/agent-network/internal/store"
)

func main() {
	since := flag.String("since", "", "time filter, e.g. 30m, 2h, 1d")
	agent := flag.String("agent", "", "only messages sent or received by this agent")
	list := flag.Bool("list", false, "list all active networks")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: network-chat [flags] [NETWORK]")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Omit NETWORK to list all networks.")
		fmt.Fprintln(os.Stderr)
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(*since, *agent, *list, flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(sinceArg, agentFilter string, listOnly bool, networkID string) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		return fmt.Errorf("no agent network database found at %s", cfg.Database.Path)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	st, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	if listOnly || networkID == "" {
		return renderNetworks(ctx, st)
	}

	var since time.Time
	if sinceArg != "" {
		d, err := parseDuration(sinceArg)
		if err != nil {
			return err
		}
		since = time.Now().Add(-d)
	}

	return renderChat(ctx, st, networkID, since, agentFilter)
}

// parseDuration accepts the short forms 30m, 2h, 1d on top of what
// time.ParseDuration already understands.
func parseDuration(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (use e.g. 30m, 2h, 1d)", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use e.g. 30m, 2h, 1d)", s)
	}
	return d, nil
}

func formatTimestamp(t time.Time) string {
	return t.Local().Format("Jan 2, 3:04 PM")
}

func renderNetworks(ctx context.Context, st store.Store) error {
	networks, err := st.ListNetworks(ctx)
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}
	if len(networks) == 0 {
		fmt.Println("No active networks found.")
		return nil
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)

	bold.Println("Active Networks")
	fmt.Println()
	for _, net := range networks {
		word := "agents"
		if net.AgentCount == 1 {
			word = "agent"
		}
		bold.Printf("  %s", net.NetworkID)
		fmt.Printf(" — %d %s (%s)", net.AgentCount, word, strings.Join(net.Agents, ", "))
		gray.Printf(" — last active %s\n", formatTimestamp(net.LastActive))
	}
	return nil
}

func renderChat(ctx context.Context, st store.Store, networkID string, since time.Time, agentFilter string) error {
	msgs, err := st.ListHistory(ctx, networkID, since, agentFilter)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}
	if len(msgs) == 0 {
		fmt.Printf("No messages found in network %s.\n", networkID)
		return nil
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	gray := color.New(color.FgHiBlack)

	bold.Printf("Chat: %s\n\n", networkID)

	senders := make(map[string]bool)
	for _, msg := range msgs {
		senders[msg.SenderID] = true

		cyan.Print(msg.SenderID)
		if msg.Broadcast {
			yellow.Print(" (broadcast)")
		} else {
			fmt.Printf(" -> %s", msg.RecipientID)
		}
		gray.Printf(" — %s\n", formatTimestamp(msg.CreatedAt))

		for _, line := range strings.Split(strings.TrimSpace(msg.Content), "\n") {
			fmt.Printf("  | %s\n", line)
		}
		fmt.Println()
	}

	names := make([]string, 0, len(senders))
	for name := range senders {
		names = append(names, name)
	}
	sort.Strings(names)
	gray.Printf("%d messages from %d agents: %s\n", len(msgs), len(names), strings.Join(names, ", "))
	return nil
}
