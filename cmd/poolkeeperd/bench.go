package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ironchef/poolkeeper/pkg/pool"
	"github.com/ironchef/poolkeeper/pkg/storage"
)

type benchOptions struct {
	workers    int
	operations int
	hold       time.Duration
	timeout    time.Duration
	direct     bool
	output     string
}

// BenchmarkResult summarizes one workload run
type BenchmarkResult struct {
	Name        string        `json:"name"`
	Workers     int           `json:"workers"`
	Operations  int           `json:"total_operations"`
	Succeeded   int           `json:"successful_operations"`
	Failed      int           `json:"failed_operations"`
	Timeouts    int           `json:"timeouts"`
	Duration    time.Duration `json:"duration"`
	Throughput  float64       `json:"operations_per_second"`
	AvgLatency  time.Duration `json:"avg_latency"`
	MinLatency  time.Duration `json:"min_latency"`
	MaxLatency  time.Duration `json:"max_latency"`
	P50Latency  time.Duration `json:"p50_latency"`
	P95Latency  time.Duration `json:"p95_latency"`
	P99Latency  time.Duration `json:"p99_latency"`
	SuccessRate float64       `json:"success_rate"`
}

type sample struct {
	latency time.Duration
	err     error
}

func newBenchCmd() *cobra.Command {
	opts := benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent acquire/release workload against the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 10, "concurrent workers")
	cmd.Flags().IntVarP(&opts.operations, "operations", "n", 100, "operations per worker")
	cmd.Flags().DurationVar(&opts.hold, "hold", 0, "time each operation holds its connection")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "acquire timeout (pool default when zero)")
	cmd.Flags().BoolVar(&opts.direct, "direct", false, "also run the workload with unpooled connections for comparison")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "write results as JSON to this file")
	return cmd
}

func runBench(ctx context.Context, out io.Writer, opts benchOptions) error {
	if opts.workers < 1 || opts.operations < 1 {
		return fmt.Errorf("workers and operations must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	manager, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := manager.Config()
	if _, err := setupLogging(loggingConfig(cfg.Logging)); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	if err := cfg.CreateDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	connector, err := storage.NewConnector(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create connector: %w", err)
	}

	p, err := pool.New(cfg.Pool, connector)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer p.Shutdown(cfg.Shutdown.PoolDrainTimeout)
	p.Warmup(ctx)

	results := []BenchmarkResult{
		benchmark(ctx, "pooled", opts, func(ctx context.Context) error {
			return p.With(ctx, opts.timeout, func(conn storage.Conn) error {
				return useConn(ctx, conn, opts.hold)
			})
		}),
	}

	if opts.direct {
		results = append(results, benchmark(ctx, "direct", opts, func(ctx context.Context) error {
			conn, err := connector.Connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			return useConn(ctx, conn, opts.hold)
		}))
	}

	stats := p.Statistics()
	log.Info().
		Int64("created", stats.ConnectionsCreated).
		Int("peak_active", stats.PeakActive).
		Int64("timeouts", stats.TimeoutErrors).
		Msg("Benchmark pool statistics")

	printResults(out, results)

	if opts.output != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode results: %w", err)
		}
		if err := os.WriteFile(opts.output, data, 0644); err != nil {
			return fmt.Errorf("failed to write results: %w", err)
		}
		fmt.Fprintf(out, "Results written to %s\n", opts.output)
	}
	return nil
}

func useConn(ctx context.Context, conn storage.Conn, hold time.Duration) error {
	if err := conn.Ping(ctx); err != nil {
		return err
	}
	if hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// benchmark runs op opts.operations times on each of opts.workers
// goroutines. Operation errors are counted, not propagated.
func benchmark(ctx context.Context, name string, opts benchOptions, op func(context.Context) error) BenchmarkResult {
	var mu sync.Mutex
	samples := make([]sample, 0, opts.workers*opts.operations)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.workers; w++ {
		g.Go(func() error {
			local := make([]sample, 0, opts.operations)
			for i := 0; i < opts.operations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				opStart := time.Now()
				err := op(gctx)
				local = append(local, sample{latency: time.Since(opStart), err: err})
			}
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("benchmark", name).Msg("Benchmark interrupted")
	}

	return summarize(name, opts.workers, samples, time.Since(start))
}

func summarize(name string, workers int, samples []sample, elapsed time.Duration) BenchmarkResult {
	r := BenchmarkResult{
		Name:       name,
		Workers:    workers,
		Operations: len(samples),
		Duration:   elapsed,
	}
	if len(samples) == 0 {
		return r
	}

	latencies := make([]time.Duration, 0, len(samples))
	var total time.Duration
	for _, s := range samples {
		switch {
		case s.err == nil:
			r.Succeeded++
			latencies = append(latencies, s.latency)
			total += s.latency
		case errors.Is(s.err, pool.ErrTimeout):
			r.Timeouts++
			r.Failed++
		default:
			r.Failed++
		}
	}

	r.SuccessRate = float64(r.Succeeded) / float64(len(samples)) * 100
	if elapsed > 0 {
		r.Throughput = float64(r.Succeeded) / elapsed.Seconds()
	}
	if len(latencies) == 0 {
		return r
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r.AvgLatency = total / time.Duration(len(latencies))
	r.MinLatency = latencies[0]
	r.MaxLatency = latencies[len(latencies)-1]
	r.P50Latency = percentile(latencies, 0.50)
	r.P95Latency = percentile(latencies, 0.95)
	r.P99Latency = percentile(latencies, 0.99)
	return r
}

// percentile expects sorted input
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func printResults(out io.Writer, results []BenchmarkResult) {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	fmt.Fprintf(out, "%-8s %8s %8s %8s %10s %9s %9s %9s %9s\n",
		"name", "ops", "failed", "timeouts", "ops/sec", "avg ms", "p50 ms", "p95 ms", "p99 ms")
	for _, r := range results {
		fmt.Fprintf(out, "%-8s %8d %8d %8d %10.1f %9.2f %9.2f %9.2f %9.2f\n",
			r.Name, r.Operations, r.Failed, r.Timeouts, r.Throughput,
			ms(r.AvgLatency), ms(r.P50Latency), ms(r.P95Latency), ms(r.P99Latency))
	}

	if len(results) == 2 && results[1].Throughput > 0 {
		gain := (results[0].Throughput - results[1].Throughput) / results[1].Throughput * 100
		fmt.Fprintf(out, "Pooling throughput change: %+.1f%%\n", gain)
	}
}
