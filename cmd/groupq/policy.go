package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/groupq/internal/model"
	"github.com/samcharles93/groupq/internal/nn"
	"github.com/samcharles93/groupq/internal/policy"
)

func policyCmd() *cli.Command {
	return &cli.Command{
		Name:  "policy",
		Usage: "Query the per-architecture tensor-parallel layer table",
		Commands: []*cli.Command{
			{
				Name:  "keys",
				Usage: "List architecture keys",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					for _, k := range policy.Keys() {
						fmt.Println(k)
					}
					return nil
				},
			},
			{
				Name:      "lookup",
				Usage:     "Print the layer classes and paths for an architecture key",
				ArgsUsage: "<arch>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key := cmd.Args().First()
					if key == "" {
						return errors.New("policy lookup: missing architecture key")
					}
					p, err := policy.Lookup(key)
					if err != nil {
						return err
					}
					printPolicy(key, p)
					return nil
				},
			},
			{
				Name:      "map-key",
				Usage:     "Derive the architecture key from a class path or module repr",
				ArgsUsage: "<name>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, p, err := policy.LookupName(strings.Join(cmd.Args().Slice(), " "))
					if errors.Is(err, policy.ErrUnknownArch) {
						fmt.Printf("%s (no policy)\n", key)
						return nil
					}
					if err != nil {
						return err
					}
					printPolicy(key, p)
					return nil
				},
			},
			policyResolveCmd(),
		},
	}
}

func policyResolveCmd() *cli.Command {
	var modelDir string
	return &cli.Command{
		Name:      "resolve",
		Usage:     "List the modules of an OPT checkpoint selected by a policy",
		ArgsUsage: "[arch]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "directory containing config.json",
				Required:    true,
				Destination: &modelDir,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := model.LoadConfig(modelDir)
			if err != nil {
				return err
			}
			m, err := model.NewOPTModel(cfg, 0)
			if err != nil {
				return err
			}
			key := cmd.Args().First()
			if key == "" {
				if key, err = policy.MapKey(nn.Describe(m)); err != nil {
					return err
				}
			}
			names, err := policy.Resolve(m, key)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func printPolicy(key string, p policy.Policy) {
	fmt.Println(key)
	for _, cls := range p.Classes() {
		fmt.Printf("  %s\n", cls)
		for _, path := range p[cls] {
			fmt.Printf("    %s\n", path)
		}
	}
}
