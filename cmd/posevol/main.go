package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/posevol/internal/partition"
	"github.com/ajitpratap0/posevol/internal/pipeline"
	"github.com/ajitpratap0/posevol/pkg/config"
	"github.com/ajitpratap0/posevol/pkg/logger"
	"github.com/ajitpratap0/posevol/pkg/metrics"
	"github.com/ajitpratap0/posevol/pkg/observability"
	"github.com/ajitpratap0/posevol/pkg/sample"
	"github.com/ajitpratap0/posevol/pkg/skeleton"
)

var version = "0.1.0"

// globalFlags are shared by every command that runs a configuration
type globalFlags struct {
	configFile string
	logLevel   string
	timeout    time.Duration
}

func main() {
	// POSEVOL_* overrides may live in a .env file
	_ = godotenv.Load()

	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "posevol",
		Short: "posevol - multi-view volumetric samples for 3D pose estimation",
		Long: `posevol builds center-of-mass-centered voxel volumes from calibrated multi-camera
video and 3D keypoint annotations, partitions them into train and validation
splits, and caches them on disk or assembles them in memory.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Path to the YAML run configuration")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override observability.log_level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "Abort the run after this long; 0 disables")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("posevol v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "List dataset kinds and skeleton profiles",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Dataset kinds:")
			for _, k := range pipeline.Kinds() {
				fmt.Printf("  - %s\n", k)
			}
			fmt.Println("\nSkeletons:")
			for _, name := range skeleton.Names() {
				p, _ := skeleton.Lookup(name)
				fmt.Printf("  - %s (%d keypoints)\n", name, p.Keypoints())
			}
		},
	})

	root.AddCommand(newBuildCommand(flags))
	root.AddCommand(newSplitCommand(flags))
	root.AddCommand(newExamineCommand(flags))
	root.AddCommand(newPriorsCommand(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session holds what every configuration-driven command needs
type session struct {
	cfg     config.Config
	log     *zap.Logger
	ctx     context.Context
	cleanup []func()
}

func (s *session) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
}

func openSession(flags *globalFlags) (*session, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	level := cfg.Observability.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	log, err := logger.New(logger.Config{Level: level, Encoding: cfg.Observability.LogEncoding})
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("component", "posevol-cli"))

	s := &session{cfg: cfg, log: log}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	s.cleanup = append(s.cleanup, stop, func() { _ = log.Sync() })
	if flags.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flags.timeout)
		s.cleanup = append(s.cleanup, cancel)
	}
	s.ctx = ctx

	if cfg.Observability.EnableTracing {
		tc := observability.DefaultTracingConfig()
		tc.ServiceVersion = version
		tc.SamplingRate = cfg.Observability.TracingSampleRate
		tc.Writer = os.Stderr
		shutdown, err := observability.InitTracing(tc)
		if err != nil {
			s.close()
			return nil, err
		}
		s.cleanup = append(s.cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Warn("failed to flush traces", zap.Error(err))
			}
		})
	}

	if cfg.Observability.EnableMetrics {
		mctx, cancel := context.WithCancel(ctx)
		go func() {
			if err := metrics.Serve(mctx, cfg.Observability.MetricsAddr, log); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		s.cleanup = append(s.cleanup, cancel)
	}
	return s, nil
}

func newBuildCommand(flags *globalFlags) *cobra.Command {
	var (
		batchSize int
		comsFile  string
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build volumes for every sample of the configured experiments",
		Long: `Build loads the experiments, splits them, augments the training split and
materializes every volume: into cache.dir when the cache is enabled, otherwise
in memory. Existing cache entries are reused.

Example:
  posevol build --config run.yaml --coms coms.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.close()

			monitor, err := metrics.NewResourceMonitor()
			if err != nil {
				s.log.Warn("resource monitoring unavailable", zap.Error(err))
			}

			start := time.Now()
			p := pipeline.New(s.cfg, s.log, pipeline.WithBatchSize(batchSize))
			res, err := p.Run(s.ctx)
			if err != nil {
				return fmt.Errorf("build failed: %w", err)
			}
			defer func() {
				if err := res.Close(); err != nil {
					s.log.Warn("failed to close video readers", zap.Error(err))
				}
			}()

			if comsFile != "" {
				ids := append(append([]sample.ID(nil), res.Partition.Train...), res.Partition.Valid...)
				if err := pipeline.WriteCOMs(comsFile, res.Set, ids); err != nil {
					return err
				}
			}

			fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("run_id", res.Report.RunID)}
			if monitor != nil {
				fields = append(fields, monitor.Sample().Fields()...)
			}
			s.log.Info("build completed", fields...)

			fmt.Println(renderReport(res.Report, res.Train.Len(), res.Valid.Len()))
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Samples per loader batch; 0 delivers each split at once")
	cmd.Flags().StringVar(&comsFile, "coms", "", "Write the COM of every sample to this JSON file")
	return cmd
}

func newSplitCommand(flags *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Partition samples and write the manifest without building volumes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := pipeline.New(s.cfg, s.log).Prepare(s.ctx)
			if err != nil {
				return err
			}
			if err := partition.SaveManifest(out, res.Manifest); err != nil {
				return err
			}
			fmt.Println(renderSplit(res))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "manifest.yaml", "Manifest path (.yaml or .json)")
	return cmd
}

func newExamineCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "examine",
		Short: "Report which samples are missing from the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.close()

			_, reports, err := pipeline.New(s.cfg, s.log).Examine(s.ctx)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(reports))
			for _, rep := range reports {
				rows = append(rows, []string{
					string(rep.Namespace),
					strconv.Itoa(len(rep.Present)),
					strconv.Itoa(len(rep.Missing) - len(rep.Corrupt)),
					strconv.Itoa(len(rep.Corrupt)),
				})
			}
			fmt.Println(renderTable([]string{"Namespace", "Present", "Missing", "Corrupt"}, rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
			return nil
		},
	}
}

func newPriorsCommand(flags *globalFlags) *cobra.Command {
	var (
		out       string
		profile   string
		reference int
	)
	cmd := &cobra.Command{
		Use:   "priors",
		Short: "Compute relative segment-length priors from labeled training poses",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(flags)
			if err != nil {
				return err
			}
			defer s.close()

			name := profile
			if name == "" {
				name = s.cfg.Dataset.Skeleton
			}
			prof, err := skeleton.Lookup(name)
			if err != nil {
				return err
			}

			cfg := s.cfg
			cfg.Augmentation.COM = false
			res, err := pipeline.New(cfg, s.log).Prepare(s.ctx)
			if err != nil {
				return err
			}
			priors, err := skeleton.ComputePriors(prof, pipeline.TrainPoses(res), reference)
			if err != nil {
				return err
			}

			data, err := yaml.Marshal(priors)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Print(string(data))
				return nil
			}
			return os.WriteFile(out, data, 0o644) //nolint:gosec
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write priors YAML here instead of stdout")
	cmd.Flags().StringVar(&profile, "skeleton", "", "Skeleton profile; defaults to dataset.skeleton")
	cmd.Flags().IntVar(&reference, "reference", skeleton.DefaultReferenceSegment, "Index of the limb that other lengths are normalized by")
	return cmd
}

func renderReport(r pipeline.Report, trainBatches, validBatches int) string {
	rows := [][]string{
		{"run", r.RunID},
		{"kind", string(r.Kind)},
		{"train labeled", strconv.Itoa(r.TrainLabeled)},
		{"train unlabeled", strconv.Itoa(r.TrainUnlabeled)},
		{"augmented", strconv.Itoa(r.Augmented)},
		{"valid", strconv.Itoa(r.Valid)},
		{"train batches", strconv.Itoa(trainBatches)},
		{"valid batches", strconv.Itoa(validBatches)},
		{"dropped", strconv.Itoa(len(r.Dropped))},
		{"merged", strconv.Itoa(len(r.Absorbed))},
		{"excluded", strconv.Itoa(len(r.Excluded))},
		{"cache generated", strconv.Itoa(r.CacheMissing)},
		{"cache files written", strconv.Itoa(r.CacheWritten)},
	}
	return renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignRight})
}

func renderSplit(res *pipeline.Result) string {
	type counts struct{ train, valid, synthetic int }
	per := make([]counts, res.Set.Experiments())
	for _, id := range res.Partition.Train {
		per[id.Experiment].train++
		if id.IsSynthetic() {
			per[id.Experiment].synthetic++
		}
	}
	for _, id := range res.Partition.Valid {
		per[id.Experiment].valid++
	}

	rows := make([][]string, 0, len(per))
	for e, c := range per {
		rows = append(rows, []string{
			strconv.Itoa(e),
			res.Set.Experiment(e).Name,
			strconv.Itoa(c.train),
			strconv.Itoa(c.synthetic),
			strconv.Itoa(c.valid),
		})
	}
	return renderTable([]string{"#", "Experiment", "Train", "Augmented", "Valid"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignRight})
}
