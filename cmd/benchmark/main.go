package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/duskdb/kvengine/common/benchmark"
	"github.com/duskdb/kvengine/env"
)

func main() {
	var (
		quick       bool
		workload    string
		duration    time.Duration
		concurrency int
	)

	root := &cobra.Command{
		Use:   "benchmark",
		Short: "Run read/write workloads against the B-tree storage engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("Storage Engine Benchmark Suite")
			fmt.Println("================================")
			fmt.Printf("Duration: %v\n", duration)
			fmt.Printf("Concurrency: %d\n\n", concurrency)

			configs := selectWorkloads(quick, workload, cmd, duration, concurrency)
			if configs == nil {
				return fmt.Errorf("unknown workload: %s", workload)
			}
			return runBTree(configs)
		},
	}

	root.Flags().BoolVar(&quick, "quick", false, "Run quick benchmarks (shorter duration)")
	root.Flags().StringVar(&workload, "workload", "all", "Workload to run (all, write-heavy-uniform, read-heavy-zipfian, balanced-uniform, ...)")
	root.Flags().DurationVar(&duration, "duration", 10*time.Second, "Duration for each benchmark")
	root.Flags().IntVar(&concurrency, "concurrency", 8, "Number of concurrent workers")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func selectWorkloads(quick bool, workload string, cmd *cobra.Command, duration time.Duration, concurrency int) []benchmark.Config {
	var configs []benchmark.Config
	if quick {
		configs = benchmark.QuickWorkloads()
	} else {
		configs = benchmark.StandardWorkloads()
	}

	if cmd.Flags().Changed("duration") {
		for i := range configs {
			configs[i].Duration = duration
		}
	}
	if cmd.Flags().Changed("concurrency") {
		for i := range configs {
			configs[i].Concurrency = concurrency
		}
	}

	if workload == "all" {
		return configs
	}
	filtered := make([]benchmark.Config, 0)
	for _, c := range configs {
		if c.Name == workload {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return filtered
}

func runBTree(configs []benchmark.Config) error {
	fmt.Println("=== B-Tree Storage Engine Benchmark ===")

	f, err := os.CreateTemp("", "kvengine-benchmark-*.db")
	if err != nil {
		return err
	}
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)
	defer os.Remove(path + ".log0")

	params := env.DefaultParameters()
	params.Logger = zerolog.Nop()
	e, err := env.Create(path, params)
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}
	defer e.Close()

	db, err := e.CreateDatabase(1, env.DatabaseParameters{KeySize: 24})
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}

	// A database must be opened with AllowDuplicates before duplicate keys
	// are legal, so configs that exercise dupstore get a dedicated database
	// rather than sharing the plain one above.
	dupDB, err := e.CreateDatabase(2, env.DatabaseParameters{KeySize: 24, AllowDuplicates: true})
	if err != nil {
		return fmt.Errorf("create duplicate-key database: %w", err)
	}

	results := runBenchmarks(db, dupDB, configs)
	printSummaryTable(results)
	return nil
}

func runBenchmarks(engine, dupEngine *env.Database, configs []benchmark.Config) []*benchmark.Result {
	results := make([]*benchmark.Result, 0, len(configs))

	for _, config := range configs {
		fmt.Printf("\n=== Running: %s ===\n", config.Name)

		target := engine
		if config.AllowDuplicates {
			target = dupEngine
		}
		bench := benchmark.NewBenchmark(target, config)
		result, err := bench.Run()
		if err != nil {
			fmt.Printf("Benchmark failed: %v\n", err)
			continue
		}

		results = append(results, result)
		printResult(result)
	}

	return results
}

func printResult(r *benchmark.Result) {
	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("Total Ops: %d (writes: %d, reads: %d)\n", r.TotalOps, r.WriteOps, r.ReadOps)

	if r.WriteOps > 0 {
		fmt.Printf("\nWrite Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.WriteLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.WriteLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.WriteLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.WriteLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.WriteLatency.P99)
		fmt.Printf("  P999: %8s\n", r.WriteLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.WriteLatency.Max)
	}

	if r.ReadOps > 0 {
		fmt.Printf("\nRead Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.ReadLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.ReadLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.ReadLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.ReadLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.ReadLatency.P99)
		fmt.Printf("  P999: %8s\n", r.ReadLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.ReadLatency.Max)
	}

	fmt.Printf("\nAmplification:\n")
	fmt.Printf("  Write: %.2fx\n", r.WriteAmplification)
	fmt.Printf("  Space: %.2fx\n", r.SpaceAmplification)
	fmt.Printf("\nDisk Usage: %.1f MB\n", r.TotalDiskMB)
}

func printSummaryTable(results []*benchmark.Result) {
	if len(results) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BENCHMARK SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n%-25s %12s %12s %12s %12s\n", "Workload", "Throughput", "Write P99", "Read P99", "Write Amp")
	fmt.Println(strings.Repeat("-", 80))

	for _, r := range results {
		writeP99 := "N/A"
		if r.WriteOps > 0 {
			writeP99 = fmt.Sprintf("%s", r.WriteLatency.P99)
		}

		readP99 := "N/A"
		if r.ReadOps > 0 {
			readP99 = fmt.Sprintf("%s", r.ReadLatency.P99)
		}

		fmt.Printf("%-25s %10.0f/s %12s %12s %11.2fx\n",
			r.Config.Name, r.OpsPerSec, writeP99, readP99, r.WriteAmplification)
	}
}
