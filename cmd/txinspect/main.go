package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	txarrow "github.com/VanDung-dev/TandS-Engine/arrow"
	"github.com/VanDung-dev/TandS-Engine/monitoring"
	"github.com/VanDung-dev/TandS-Engine/network"
)

const usage = `usage:
  txinspect journal <path>              print an Arrow transaction journal
  txinspect feed <address> [topic...]   follow a live event feed
`

func main() {
	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger, err := monitoring.NewLogger(envOr("TANDS_LOG_LEVEL", "info"), true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	switch os.Args[1] {
	case "journal":
		err = printJournal(os.Stdout, os.Args[2])
	case "feed":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		topics := make([]network.EventType, 0, len(os.Args)-3)
		for _, t := range os.Args[3:] {
			topics = append(topics, network.EventType(t))
		}
		logger.Info("following feed", zap.String("address", os.Args[2]), zap.Any("topics", topics))
		err = followFeed(ctx, os.Stdout, os.Args[2], topics...)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Fatal("inspect failed", zap.Error(err))
	}
}

// printJournal writes every entry of the journal at path followed by a
// per-client tally.
func printJournal(w io.Writer, path string) error {
	entries, runID, err := txarrow.ReadJournalFile(path)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	fmt.Fprintf(w, "Run %s: %d transactions\n", runID, len(entries))
	perClient := make(map[string]int)
	var order []string
	for _, e := range entries {
		if _, ok := perClient[e.Client]; !ok {
			order = append(order, e.Client)
		}
		perClient[e.Client]++

		fmt.Fprintf(w, "#%3d (T%3d) from %s on worker %d in %v\n",
			e.Seq, e.Work, e.Client, e.Worker, e.CompletedAt.Sub(e.ReceivedAt).Round(time.Microsecond))
	}
	for _, name := range order {
		fmt.Fprintf(w, "  %d transactions from %s\n", perClient[name], name)
	}
	return nil
}

// followFeed prints events until ctx is cancelled.
func followFeed(ctx context.Context, w io.Writer, address string, topics ...network.EventType) error {
	sub, err := network.Subscribe(ctx, address, topics...)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		ev, err := sub.Next()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "%s %-10s #%d %s (T%d) worker=%d\n",
			ev.Timestamp.Format(time.RFC3339Nano), ev.Type, ev.Seq, ev.Client, ev.Work, ev.Worker)
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
