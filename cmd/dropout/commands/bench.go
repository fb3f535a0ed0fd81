package commands

import (
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/kymeria/dropout/internal/bytesize"
	"github.com/kymeria/dropout/internal/cli/output"
	"github.com/kymeria/dropout/internal/logger"
	"github.com/kymeria/dropout/pkg/config"
	"github.com/kymeria/dropout/pkg/dropout"
)

var (
	benchPayload   string
	benchObjects   int
	benchProducers int
	benchMetrics   bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare inline destruction against dropout submission",
	Long: `Allocate heavy objects (maps of many small allocations) and measure how
long the calling goroutine is blocked when destroying them inline versus
handing them to a dropper.

The dropout scenario also reports the drain time: how long the final Close
blocks waiting for the worker to destroy everything that was submitted.

Examples:
  # Default run (8 objects of 64Mi, one producer)
  dropout bench

  # Bigger payloads, several concurrent producers
  dropout bench --payload 256Mi --objects 16 --producers 4

  # Expose live queue depth on :9090/metrics during the run
  dropout bench --metrics`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().StringVar(&benchPayload, "payload", "", "approximate size of each heavy object (e.g. 64Mi)")
	benchCmd.Flags().IntVar(&benchObjects, "objects", 0, "number of heavy objects per scenario")
	benchCmd.Flags().IntVar(&benchProducers, "producers", 0, "number of goroutines submitting concurrently")
	benchCmd.Flags().BoolVar(&benchMetrics, "metrics", false, "serve Prometheus metrics during the run")
}

// entryBytes is the allocation granularity of a heavy object. Small entries
// maximize the number of allocations per object, which is what makes
// destruction expensive.
const entryBytes = 256

// heavyObject approximates the kind of structure whose teardown hurts: a map
// holding a large number of small allocations.
type heavyObject struct {
	entries map[int][]byte
}

func makeHeavyObject(size bytesize.ByteSize) *heavyObject {
	n := size.Int() / entryBytes
	if n < 1 {
		n = 1
	}

	entries := make(map[int][]byte, n)
	for i := 0; i < n; i++ {
		entries[i] = make([]byte, entryBytes)
	}
	return &heavyObject{entries: entries}
}

// Destroy releases the object's entries one by one. Walking the map keeps
// the work proportional to the object size, the same shape as freeing a
// structure with per-entry cleanup.
func (o *heavyObject) Destroy() {
	for k := range o.entries {
		delete(o.entries, k)
	}
	o.entries = nil
}

// benchResult holds the measurements of one scenario.
type benchResult struct {
	scenario  string
	objects   int
	callerMax time.Duration // longest single submission/destruction on a caller goroutine
	callerSum time.Duration // total caller-side blocked time
	drain     time.Duration // time the final Close spent waiting for the worker
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}

	// Flag overrides on top of file/env configuration.
	if benchPayload != "" {
		size, err := bytesize.Parse(benchPayload)
		if err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
		cfg.Bench.PayloadSize = size
	}
	if benchObjects > 0 {
		cfg.Bench.Objects = benchObjects
	}
	if benchProducers > 0 {
		cfg.Bench.Producers = benchProducers
	}
	if benchMetrics {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return err
	}

	var metrics *dropout.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metrics = dropout.NewMetrics(reg)
		go serveMetrics(cfg.Metrics.ListenAddress, reg)
	}

	_ = output.SimpleTable(os.Stdout, [][2]string{
		{"Payload size", cfg.Bench.PayloadSize.String()},
		{"Objects", fmt.Sprintf("%d", cfg.Bench.Objects)},
		{"Producers", fmt.Sprintf("%d", cfg.Bench.Producers)},
	})
	fmt.Println()

	logger.Info("bench: allocating objects", "payload", cfg.Bench.PayloadSize.String(), "objects", cfg.Bench.Objects)

	inline := runInline(cfg.Bench)
	async := runDropout(cfg.Bench, metrics)

	table := output.NewTableData("Scenario", "Objects", "Caller max", "Caller total", "Drain wait")
	for _, r := range []benchResult{inline, async} {
		table.AddRow(
			r.scenario,
			fmt.Sprintf("%d", r.objects),
			r.callerMax.String(),
			r.callerSum.String(),
			r.drain.String(),
		)
	}
	return output.PrintTable(os.Stdout, table)
}

// runInline destroys every object on the calling goroutine. This is the
// baseline: the caller pays full destruction cost.
func runInline(cfg config.BenchConfig) benchResult {
	objects := make([]*heavyObject, cfg.Objects)
	for i := range objects {
		objects[i] = makeHeavyObject(cfg.PayloadSize)
	}

	result := benchResult{scenario: "inline", objects: cfg.Objects}
	for _, obj := range objects {
		start := time.Now()
		obj.Destroy()
		elapsed := time.Since(start)

		result.callerSum += elapsed
		if elapsed > result.callerMax {
			result.callerMax = elapsed
		}
	}

	logger.Info("bench: inline scenario done", "caller_total", result.callerSum)
	return result
}

// runDropout submits every object to a dropper. Caller-side timing covers
// only the Dropout calls; destruction happens on the worker and is accounted
// for by the drain wait of the final Close.
func runDropout(cfg config.BenchConfig, metrics *dropout.Metrics) benchResult {
	objects := make([]*heavyObject, cfg.Objects)
	for i := range objects {
		objects[i] = makeHeavyObject(cfg.PayloadSize)
	}

	dropper := dropout.New(&dropout.Config[*heavyObject]{
		Name:    "bench",
		Metrics: metrics,
	})

	result := benchResult{scenario: "dropout", objects: cfg.Objects}

	// Partition objects across producers, each submitting through its own
	// clone of the handle.
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for p := 0; p < cfg.Producers; p++ {
		clone := dropper.Clone()

		wg.Add(1)
		go func(p int, d *dropout.Dropper[*heavyObject]) {
			defer wg.Done()
			defer d.Close()

			var localSum, localMax time.Duration
			for i := p; i < len(objects); i += cfg.Producers {
				start := time.Now()
				d.Dropout(objects[i])
				elapsed := time.Since(start)

				localSum += elapsed
				if elapsed > localMax {
					localMax = elapsed
				}
			}

			mu.Lock()
			result.callerSum += localSum
			if localMax > result.callerMax {
				result.callerMax = localMax
			}
			mu.Unlock()
		}(p, clone)
	}
	wg.Wait()

	// Last handle: Close blocks until the worker has destroyed everything.
	drainStart := time.Now()
	_ = dropper.Close()
	result.drain = time.Since(drainStart)

	logger.Info("bench: dropout scenario done",
		"caller_total", result.callerSum, "drain", result.drain)
	return result
}

// serveMetrics exposes the registry on /metrics for the duration of the run.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	logger.Info("bench: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("bench: metrics server stopped", "error", err)
	}
}
