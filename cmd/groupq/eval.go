package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/groupq/internal/compress"
	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/internal/model"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/tensor"
	"github.com/samcharles93/groupq/pkg/quant"
)

type matrixEval struct {
	Config       quant.Config `json:"config"`
	DType        string       `json:"dtype"`
	Shape        []int        `json:"shape"`
	MeanAbsError float64      `json:"mean_abs_error"`
	MaxAbsError  float64      `json:"max_abs_error"`
	FloatBytes   int          `json:"float_bytes"`
	PackedBytes  int          `json:"packed_bytes"`
}

type modelEval struct {
	Model        string           `json:"model"`
	Tokens       int              `json:"tokens"`
	MeanAbsDiff  float64          `json:"mean_abs_diff"`
	Report       *compress.Report `json:"report"`
	ParamsBefore int              `json:"params_before"`
	ParamsAfter  int              `json:"params_after"`
}

func evalCmd() *cli.Command {
	var (
		qf         quantFlags
		rows       int64
		cols       int64
		seed       int64
		modelDir   string
		configFile string
		tokens     int64
		asJSON     bool
	)

	return &cli.Command{
		Name:  "eval",
		Usage: "Measure quantization error on a random matrix or an OPT checkpoint",
		Flags: append(qf.flags(),
			&cli.Int64Flag{Name: "rows", Value: 1024, Destination: &rows, Usage: "random matrix rows"},
			&cli.Int64Flag{Name: "cols", Value: 1024, Destination: &cols, Usage: "random matrix columns"},
			&cli.Int64Flag{Name: "seed", Value: 1234, Destination: &seed, Usage: "random seed"},
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "OPT checkpoint directory (config.json + model.safetensors); compares outputs before and after quantization",
				Destination: &modelDir,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "weight_quantization config used with --model",
				Destination: &configFile,
			},
			&cli.Int64Flag{Name: "tokens", Value: 16, Destination: &tokens, Usage: "input length used with --model"},
			&cli.BoolFlag{Name: "json", Usage: "print the result as JSON", Destination: &asJSON},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, userCfg, &configFile, &qf.dtype)
			dtype, err := quant.ParseDType(qf.dtype)
			if err != nil {
				return err
			}

			if modelDir != "" {
				res, err := evalModel(ctx, modelDir, configFile, int(tokens), seed, dtype, cmd.IsSet("dtype"))
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(res)
				}
				fmt.Printf("model:          %s\n", res.Model)
				fmt.Printf("layers:         %d quantized\n", len(res.Report.Layers))
				fmt.Printf("weights:        %s -> %s\n",
					humanize.IBytes(uint64(res.Report.FloatBytes)), humanize.IBytes(uint64(res.Report.PackedBytes)))
				fmt.Printf("float params:   %s -> %s\n", humanize.Comma(int64(res.ParamsBefore)), humanize.Comma(int64(res.ParamsAfter)))
				fmt.Printf("mean abs diff:  %.6f over %d tokens\n", res.MeanAbsDiff, res.Tokens)
				return nil
			}

			res, err := evalMatrix(qf.config(), int(rows), int(cols), seed, dtype)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(res)
			}
			fmt.Printf("config:         %s -> %s\n", res.Config, res.DType)
			fmt.Printf("shape:          %v\n", res.Shape)
			fmt.Printf("mean abs error: %.6f\n", res.MeanAbsError)
			fmt.Printf("max abs error:  %.6f\n", res.MaxAbsError)
			fmt.Printf("size:           %s -> %s\n", humanize.IBytes(uint64(res.FloatBytes)), humanize.IBytes(uint64(res.PackedBytes)))
			return nil
		},
	}
}

func evalMatrix(cfg quant.Config, rows, cols int, seed int64, dtype quant.DType) (*matrixEval, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("eval: invalid shape %dx%d", rows, cols)
	}
	rng := rand.New(rand.NewSource(seed))
	values := make([]float32, rows*cols)
	for i := range values {
		values[i] = float32(rng.NormFloat64())
	}
	shape := []int{rows, cols}
	qt, st, err := quant.RoundTrip(values, shape, cfg, dtype)
	if err != nil {
		return nil, err
	}
	return &matrixEval{
		Config:       cfg,
		DType:        dtype.String(),
		Shape:        shape,
		MeanAbsError: st.MeanAbs,
		MaxAbsError:  st.MaxAbs,
		FloatBytes:   len(values) * dtype.Size(),
		PackedBytes:  qt.PayloadBytes(),
	}, nil
}

// evalModel runs a fixed token sequence through the checkpoint, quantizes it
// in place and runs the sequence again. The config file's fp16/bf16 setting
// picks the dequantization dtype unless overridden.
func evalModel(ctx context.Context, dir, configFile string, tokens int, seed int64, dtype quant.DType, dtypeSet bool) (*modelEval, error) {
	if configFile == "" {
		return nil, errors.New("eval: --config is required with --model")
	}
	qcfg, err := compress.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if !dtypeSet {
		dtype = qcfg.DType
	}
	m, err := model.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	if tokens <= 0 || tokens > m.Config.MaxPositionEmbeddings {
		return nil, errors.Errorf("eval: --tokens must be in [1, %d]", m.Config.MaxPositionEmbeddings)
	}
	rng := rand.New(rand.NewSource(seed))
	ids := make([]int, tokens)
	for i := range ids {
		ids[i] = rng.Intn(m.Config.VocabSize)
	}

	ref, err := m.Forward(ids)
	if err != nil {
		return nil, err
	}
	res := &modelEval{Model: dir, Tokens: tokens, ParamsBefore: nn.NumParams(m)}
	res.Report, err = compress.Apply(ctx, m, qcfg.WeightQuantization, compress.WithDType(dtype))
	if err != nil {
		return nil, err
	}
	res.ParamsAfter = nn.NumParams(m)
	out, err := m.Forward(ids)
	if err != nil {
		return nil, err
	}
	if res.MeanAbsDiff, err = tensor.MeanAbsDiff(&ref, &out); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("evaluated model", "layers", len(res.Report.Layers), "mean_abs_diff", res.MeanAbsDiff)
	return res, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
