package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/groupq/internal/compress"
	"github.com/samcharles93/groupq/internal/model"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		showMeta   bool
		describe   bool
		configFile string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "Inspect a safetensors file or describe an OPT checkpoint",
		ArgsUsage: "<file.safetensors | model dir>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "metadata", Usage: "print header metadata", Destination: &showMeta},
			&cli.BoolFlag{Name: "describe", Usage: "print the module tree of a model directory", Destination: &describe},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "with --describe, apply this weight_quantization config first",
				Destination: &configFile,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("inspect: missing path")
			}
			if describe {
				return describeModel(ctx, path, configFile)
			}
			if st, err := os.Stat(path); err == nil && st.IsDir() {
				path = filepath.Join(path, model.WeightsFile)
			}
			return inspectFile(path, showMeta)
		},
	}
}

func inspectFile(path string, showMeta bool) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tSIZE")
	var total int64
	for _, name := range f.Names() {
		info, _ := f.Tensor(name)
		size := info.End - info.Start
		total += size
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%s\n", name, info.DType, info.Shape, humanize.IBytes(uint64(size)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d tensors, %s\n", len(f.Names()), humanize.IBytes(uint64(total)))

	if q := f.QuantizedNames(); len(q) > 0 {
		fmt.Printf("\nquantized tensors:\n")
		for _, name := range q {
			t, err := f.ReadQuantized(name)
			if err != nil {
				return err
			}
			fmt.Printf("  %s %v %s (%s)\n", name, t.Shape, t.Config, humanize.IBytes(uint64(t.PayloadBytes())))
		}
	}

	if showMeta && len(f.Metadata) > 0 {
		fmt.Printf("\nmetadata:\n")
		keys := make([]string, 0, len(f.Metadata))
		for k := range f.Metadata {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", k, f.Metadata[k])
		}
	}
	return nil
}

func describeModel(ctx context.Context, dir, configFile string) error {
	m, err := model.Load(ctx, dir)
	if err != nil {
		return err
	}
	if configFile != "" {
		qcfg, err := compress.LoadConfig(configFile)
		if err != nil {
			return err
		}
		if _, err := compress.Apply(ctx, m, qcfg.WeightQuantization, compress.WithDType(qcfg.DType)); err != nil {
			return err
		}
	}
	fmt.Println(nn.Describe(m))
	fmt.Printf("float parameters: %s\n", humanize.Comma(int64(nn.NumParams(m))))
	if n, packed := quantizedSummary(m); n > 0 {
		fmt.Printf("quantized weights: %d (%s packed)\n", n, humanize.IBytes(uint64(packed)))
	}
	return nil
}

// quantizedSummary counts the quantized weights below root and their packed
// payload in bytes.
func quantizedSummary(root nn.Module) (n, packed int) {
	for _, w := range compress.QuantizedWeights(root) {
		n++
		packed += w.PayloadBytes()
	}
	return n, packed
}
