package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/birdayz/fullpass"
	"github.com/birdayz/fullpass/cache"
	"github.com/birdayz/fullpass/internal/atomicfile"
	"github.com/birdayz/fullpass/pkg/log"
	"github.com/birdayz/fullpass/quantiles"
	"github.com/birdayz/fullpass/runner"
	"github.com/birdayz/fullpass/tensor"
	"github.com/go-logr/logr"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const resultsFile = "results.yaml"

type runFlags struct {
	plan        string
	input       string
	output      string
	shardRows   int
	parallelism int
	fanIn       int
	seed        uint64
	cacheDir    string
	s3          cache.S3Config
	verbose     bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "fullpass",
		Short:        "Compute full-pass dataset statistics",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an analysis plan over a CSV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := zerolog.InfoLevel
			if f.verbose {
				level = zerolog.DebugLevel
			}
			logger := log.Logr(log.New(cmd.ErrOrStderr(), level))
			return run(cmd.Context(), f, logger)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.plan, "plan", "", "analysis plan (YAML)")
	flags.StringVar(&f.input, "input", "", "input CSV file with a header row")
	flags.StringVar(&f.output, "output", "", "output directory for results and vocabularies")
	flags.IntVar(&f.shardRows, "shard-rows", 10000, "rows per shard")
	flags.IntVar(&f.parallelism, "parallelism", 4, "shards accumulated at once")
	flags.IntVar(&f.fanIn, "fan-in", 8, "accumulators combined per merge")
	flags.Uint64Var(&f.seed, "seed", 0, "seed of the merge order, random when 0")
	flags.StringVar(&f.cacheDir, "cache-dir", "", "pebble directory for cached accumulators")
	flags.StringVar(&f.s3.Endpoint, "s3-endpoint", "", "S3 endpoint for cached accumulators")
	flags.StringVar(&f.s3.Bucket, "s3-bucket", "fullpass-cache", "S3 bucket")
	flags.StringVar(&f.s3.Prefix, "s3-prefix", "", "S3 object prefix")
	flags.BoolVar(&f.s3.Secure, "s3-secure", true, "use TLS for S3")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "log progress")
	for _, name := range []string{"plan", "input", "output"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func openCache(ctx context.Context, f runFlags) (cache.Store, error) {
	switch {
	case f.cacheDir != "" && f.s3.Endpoint != "":
		return nil, fmt.Errorf("--cache-dir and --s3-endpoint are exclusive")
	case f.cacheDir != "":
		return cache.NewPebbleStore(f.cacheDir)
	case f.s3.Endpoint != "":
		cfg := f.s3
		cfg.AccessKey = os.Getenv("FULLPASS_S3_ACCESS_KEY")
		cfg.SecretKey = os.Getenv("FULLPASS_S3_SECRET_KEY")
		return cache.NewS3Store(ctx, cfg)
	}
	return nil, nil
}

func run(ctx context.Context, f runFlags, log logr.Logger) (err error) {
	plan, err := LoadPlan(f.plan)
	if err != nil {
		return err
	}
	in, err := os.Open(f.input)
	if err != nil {
		return err
	}
	table, err := ReadTable(in)
	in.Close()
	if err != nil {
		return err
	}

	lock := atomicfile.NewDirectoryLock(f.output)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lock.Unlock())
	}()

	store, err := openCache(ctx, f)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			err = multierr.Append(err, store.Close())
		}()
	}

	env := buildEnv{
		outputDir: f.output,
		pool:      quantiles.NewPool(quantiles.WithPoolLogr(log)),
		log:       log,
	}
	results := make(map[string][]outputTensor, len(plan.Analyzers))
	newRunner := func(a Analyzer, namespace string) (*runner.Runner, error) {
		opts := []runner.Option{
			runner.WithParallelism(f.parallelism),
			runner.WithFanIn(f.fanIn),
			runner.WithLogr(log.WithValues("analyzer", a.Name)),
		}
		if f.seed != 0 {
			opts = append(opts, runner.WithSeed(f.seed))
		}
		if store != nil {
			opts = append(opts, runner.WithCache(store, namespace))
		}
		return runner.New(opts...)
	}
	for _, a := range plan.Analyzers {
		observe := func(c fullpass.TypeErasedCombiner, in input) ([]tensor.Tensor, error) {
			shards, err := table.Shards([]input{in}, f.shardRows)
			if err != nil {
				return nil, err
			}
			r, err := newRunner(a, a.Fingerprint()+"-range")
			if err != nil {
				return nil, err
			}
			return r.Run(ctx, c, shards)
		}
		a, err := a.resolveBins(observe)
		if err != nil {
			return fmt.Errorf("analyzer %s: %w", a.Name, err)
		}
		b, err := a.Build(env)
		if err != nil {
			return err
		}
		shards, err := table.Shards(b.inputs, f.shardRows)
		if err != nil {
			return fmt.Errorf("analyzer %s: %w", a.Name, err)
		}
		r, err := newRunner(a, a.Fingerprint())
		if err != nil {
			return err
		}
		out, err := r.Run(ctx, b.combiner, shards)
		if err != nil {
			return fmt.Errorf("analyzer %s: %w", a.Name, err)
		}
		results[a.Name] = toOutput(out)
		log.Info("analyzer done", "analyzer", a.Name, "kind", a.Kind, "shards", len(shards))
	}

	path := filepath.Join(f.output, resultsFile)
	return atomicfile.WriteFile(path, 0o644, func(w *bufio.Writer) error {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(results); err != nil {
			return err
		}
		return enc.Close()
	})
}

type outputTensor struct {
	DType  string `yaml:"dtype"`
	Shape  []int  `yaml:"shape,flow"`
	Values any    `yaml:"values,flow"`
}

func toOutput(ts []tensor.Tensor) []outputTensor {
	out := make([]outputTensor, len(ts))
	for i, t := range ts {
		o := outputTensor{DType: t.DType().String(), Shape: t.Shape()}
		switch {
		case t.DType() == tensor.String:
			o.Values = t.Strings()
		case t.DType().IsInteger():
			o.Values = t.Int64s()
		default:
			o.Values = t.Float64s()
		}
		out[i] = o
	}
	return out
}
