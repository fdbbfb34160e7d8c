package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/groupq/internal/compress"
	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/model"
	"github.com/samcharles93/groupq/internal/safetensors"
	"github.com/samcharles93/groupq/internal/version"
	"github.com/samcharles93/groupq/pkg/quant"
)

func quantizeCmd() *cli.Command {
	var (
		inPath     string
		outPath    string
		configFile string
		dtypeName  string
		noProgress bool
	)

	return &cli.Command{
		Name:      "quantize",
		Usage:     "Quantize matching weights of a safetensors checkpoint",
		ArgsUsage: "<model.safetensors | model dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "weight_quantization config (YAML, or JSON for .json files)",
				Destination: &configFile,
			},
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "output path (default <input>.groupq.safetensors)",
				Destination: &outPath,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "precision of pass-through tensors (f32, f16, bf16); overrides fp16/bf16 in the config",
				Destination: &dtypeName,
			},
			&cli.BoolFlag{
				Name:        "no-progress",
				Usage:       "disable the progress bar",
				Destination: &noProgress,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyQuantizeConfig(cmd, userCfg, &configFile, &dtypeName)

			inPath = cmd.Args().First()
			if inPath == "" {
				return errors.New("quantize: missing input path")
			}
			if configFile == "" {
				return errors.New("quantize: --config is required")
			}
			if st, err := os.Stat(inPath); err == nil && st.IsDir() {
				inPath = filepath.Join(inPath, model.WeightsFile)
			}
			if outPath == "" {
				outPath = defaultOutputPath(inPath)
			}

			qcfg, err := compress.LoadConfig(configFile)
			if err != nil {
				return err
			}
			dtype := qcfg.DType
			if dtypeName != "" {
				if dtype, err = quant.ParseDType(dtypeName); err != nil {
					return err
				}
			}

			src, err := safetensors.Open(inPath)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			dst := safetensors.NewWriter()
			for k, v := range src.Metadata {
				dst.SetMetadata(k, v)
			}
			dst.SetMetadata("groupq.version", version.Resolve().Version)

			opts := []compress.Option{compress.WithDType(dtype)}
			if !noProgress {
				bar := progressbar.NewOptions(len(src.Names()),
					progressbar.OptionSetDescription("quantizing"),
					progressbar.OptionSetWriter(os.Stderr),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				defer func() { _ = bar.Finish() }()
				opts = append(opts, compress.WithProgress(func(string) { _ = bar.Add(1) }))
			}

			log.Info("quantizing checkpoint", "input", inPath, "tensors", len(src.Names()), "dtype", dtype.String())
			rep, err := compress.QuantizeState(ctx, src, dst, qcfg.WeightQuantization, opts...)
			if err != nil {
				return err
			}
			n, err := dst.WriteFile(outPath)
			if err != nil {
				return err
			}
			log.Info("wrote checkpoint", "output", outPath, "size", humanize.IBytes(uint64(n)))

			fmt.Printf("quantized %d of %d tensors\n", len(rep.Layers), len(src.Names()))
			fmt.Printf("weights:   %s -> %s (%.1f%%)\n",
				humanize.IBytes(uint64(rep.FloatBytes)), humanize.IBytes(uint64(rep.PackedBytes)), 100*rep.Ratio())
			fmt.Printf("output:    %s\n", outPath)
			return nil
		},
	}
}

func defaultOutputPath(in string) string {
	ext := filepath.Ext(in)
	return in[:len(in)-len(ext)] + ".groupq" + ext
}
