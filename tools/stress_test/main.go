package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/TandS-Engine/api"
	"github.com/VanDung-dev/TandS-Engine/monitoring"
)

// StressTestConfig holds configuration for the stress test.
type StressTestConfig struct {
	Address    string
	Clients    int
	Requests   int
	Work       int
	Timeout    time.Duration
	ReportFile string
	LogLevel   string
}

// StressTestResult holds the results of a stress test.
type StressTestResult struct {
	TotalRequests  int64
	Acknowledged   int64
	Unacknowledged int64
	FailedClients  int64
	TotalDuration  time.Duration
	AvgLatency     time.Duration
	MinLatency     time.Duration
	MaxLatency     time.Duration
	RequestsPerSec float64
}

// latencyStats aggregates reply latencies across clients.
type latencyStats struct {
	total int64
	min   int64
	max   int64
	count int64
}

func newLatencyStats() *latencyStats {
	return &latencyStats{min: 1<<63 - 1}
}

func (l *latencyStats) observe(d time.Duration) {
	lat := int64(d)
	atomic.AddInt64(&l.total, lat)
	atomic.AddInt64(&l.count, 1)

	for {
		old := atomic.LoadInt64(&l.min)
		if lat >= old || atomic.CompareAndSwapInt64(&l.min, old, lat) {
			break
		}
	}
	for {
		old := atomic.LoadInt64(&l.max)
		if lat <= old || atomic.CompareAndSwapInt64(&l.max, old, lat) {
			break
		}
	}
}

func main() {
	config := parseFlags()

	logger, err := monitoring.NewLogger(config.LogLevel, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Println("=== TandS Transaction Server Stress Test ===")
	fmt.Printf("Target:   %s\n", config.Address)
	fmt.Printf("Clients:  %d\n", config.Clients)
	fmt.Printf("Requests: %d per client (T%d)\n", config.Requests, config.Work)
	fmt.Println()

	result := runStressTest(context.Background(), config, logger)

	printResults(result)

	if config.ReportFile != "" {
		saveReport(config, result, logger)
	}
}

func parseFlags() StressTestConfig {
	config := StressTestConfig{}

	flag.StringVar(&config.Address, "addr", "127.0.0.1:5000", "Transaction server address")
	flag.IntVar(&config.Clients, "c", 10, "Number of concurrent clients")
	flag.IntVar(&config.Requests, "n", 100, "Transactions sent by each client")
	flag.IntVar(&config.Work, "w", 1, "Work amount of each transaction")
	flag.DurationVar(&config.Timeout, "timeout", 10*time.Second, "Time to wait for each reply")
	flag.StringVar(&config.ReportFile, "o", "", "Output report file (JSON)")
	flag.StringVar(&config.LogLevel, "log-level", "warn", "Log level")

	flag.Parse()

	return config
}

func runStressTest(ctx context.Context, config StressTestConfig, logger *zap.Logger) StressTestResult {
	var (
		sent   int64
		acked  int64
		failed int64
		stats  = newLatencyStats()
	)

	startTime := time.Now()

	// Client failures are counted, not propagated, so one bad client does
	// not cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < config.Clients; i++ {
		name := fmt.Sprintf("stress-%d", i)
		g.Go(func() error {
			n, err := runClient(gctx, name, config, stats, &sent)
			atomic.AddInt64(&acked, int64(n))
			if err != nil {
				atomic.AddInt64(&failed, 1)
				logger.Warn("client failed", zap.String("client", name), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(startTime)
	total := atomic.LoadInt64(&sent)
	ok := atomic.LoadInt64(&acked)

	var avgLatency time.Duration
	if count := atomic.LoadInt64(&stats.count); count > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&stats.total) / count)
	}
	minLatency := atomic.LoadInt64(&stats.min)
	if ok == 0 {
		minLatency = 0
	}

	return StressTestResult{
		TotalRequests:  total,
		Acknowledged:   ok,
		Unacknowledged: total - ok,
		FailedClients:  atomic.LoadInt64(&failed),
		TotalDuration:  duration,
		AvgLatency:     avgLatency,
		MinLatency:     time.Duration(minLatency),
		MaxLatency:     time.Duration(atomic.LoadInt64(&stats.max)),
		RequestsPerSec: float64(ok) / duration.Seconds(),
	}
}

// runClient registers as name and sends config.Requests transactions one at
// a time. It returns the number of replies received.
func runClient(ctx context.Context, name string, config StressTestConfig, stats *latencyStats, sent *int64) (int, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := d.DialContext(dialCtx, "tcp", config.Address)
	cancel()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if _, err := conn.Write(api.FormatRegister(name)); err != nil {
		return 0, err
	}

	frames := api.NewFrameScanner(conn)
	acked := 0
	for i := 0; i < config.Requests; i++ {
		if ctx.Err() != nil {
			return acked, ctx.Err()
		}

		start := time.Now()
		if _, err := conn.Write(api.FormatWork(config.Work)); err != nil {
			return acked, err
		}
		atomic.AddInt64(sent, 1)

		if err := conn.SetReadDeadline(time.Now().Add(config.Timeout)); err != nil {
			return acked, err
		}
		if !frames.Scan() {
			if err := frames.Err(); err != nil {
				return acked, err
			}
			return acked, fmt.Errorf("connection closed after %d replies", acked)
		}
		msg, err := api.ParseMessage(frames.Text())
		if err != nil || msg.Kind != api.KindDone {
			return acked, fmt.Errorf("unexpected reply %q", frames.Text())
		}

		stats.observe(time.Since(start))
		acked++
	}

	return acked, nil
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func printResults(result StressTestResult) {
	fmt.Println("=== Results ===")
	fmt.Printf("Duration:        %v\n", result.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Total Requests:  %d\n", result.TotalRequests)
	fmt.Printf("Acknowledged:    %d (%.2f%%)\n", result.Acknowledged, percent(result.Acknowledged, result.TotalRequests))
	fmt.Printf("Unacknowledged:  %d (%.2f%%)\n", result.Unacknowledged, percent(result.Unacknowledged, result.TotalRequests))
	fmt.Printf("Failed Clients:  %d\n", result.FailedClients)
	fmt.Printf("Requests/sec:    %.2f\n", result.RequestsPerSec)
	fmt.Printf("Avg Latency:     %v\n", result.AvgLatency.Round(time.Microsecond))
	fmt.Printf("Min Latency:     %v\n", result.MinLatency.Round(time.Microsecond))
	fmt.Printf("Max Latency:     %v\n", result.MaxLatency.Round(time.Microsecond))
}

func saveReport(config StressTestConfig, result StressTestResult, logger *zap.Logger) {
	report := map[string]interface{}{
		"config": map[string]interface{}{
			"address":  config.Address,
			"clients":  config.Clients,
			"requests": config.Requests,
			"work":     config.Work,
		},
		"results": map[string]interface{}{
			"total_requests":   result.TotalRequests,
			"acknowledged":     result.Acknowledged,
			"unacknowledged":   result.Unacknowledged,
			"failed_clients":   result.FailedClients,
			"requests_per_sec": result.RequestsPerSec,
			"avg_latency_ms":   float64(result.AvgLatency.Microseconds()) / 1000,
			"min_latency_ms":   float64(result.MinLatency.Microseconds()) / 1000,
			"max_latency_ms":   float64(result.MaxLatency.Microseconds()) / 1000,
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Error("failed to encode report", zap.Error(err))
		return
	}
	if err := os.WriteFile(config.ReportFile, data, 0644); err != nil {
		logger.Error("failed to write report", zap.String("path", config.ReportFile), zap.Error(err))
	} else {
		fmt.Printf("Report saved to: %s\n", config.ReportFile)
	}
}
