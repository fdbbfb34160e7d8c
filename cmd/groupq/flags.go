package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/groupq/internal/logger"
	"github.com/samcharles93/groupq/pkg/quant"
)

var (
	logLevel  string
	logFormat string
	debug     bool
	userCfg   Config
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging loads the user config and installs the logger on the context
// every subcommand runs with.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	userCfg = LoadConfig()
	applyLogConfig(cmd, userCfg)

	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return ctx, err
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.WithContext(ctx, logger.Open(os.Stderr, format, level)), nil
}

// quantFlags are the per-tensor settings shared by eval and quantize.
type quantFlags struct {
	bits      int64
	groupSize int64
	groupDim  int64
	symmetric bool
	dtype     string
}

func (q *quantFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "bits",
			Aliases:     []string{"b"},
			Usage:       "bits per code (4 or 8)",
			Value:       4,
			Destination: &q.bits,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Aliases:     []string{"g"},
			Usage:       "values per quantization group",
			Value:       64,
			Destination: &q.groupSize,
		},
		&cli.Int64Flag{
			Name:        "group-dim",
			Usage:       "axis groups run along (negative counts from the end)",
			Value:       1,
			Destination: &q.groupDim,
		},
		&cli.BoolFlag{
			Name:        "symmetric",
			Usage:       "use signed codes and no per-group minimum",
			Destination: &q.symmetric,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "dequantization precision (f32, f16, bf16)",
			Value:       "f32",
			Destination: &q.dtype,
		},
	}
}

func (q *quantFlags) config() quant.Config {
	return quant.Config{
		NumBits:   int(q.bits),
		GroupSize: int(q.groupSize),
		GroupDim:  int(q.groupDim),
		Symmetric: q.symmetric,
	}
}
