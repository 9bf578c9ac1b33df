package main

import (
	"fmt"

	"github.com/urfave/cli"

	cernvm "github.com/cernvm/libcernvm"
	"github.com/cernvm/libcernvm/internal/appargs"
)

var openCommand = cli.Command{
	Name:      "open",
	Usage:     "create or attach a session",
	ArgsUsage: `<name>`,
	Flags: []cli.Flag{
		cli.IntFlag{
			Name:  "cpus",
			Usage: "number of virtual CPUs",
			Value: 1,
		},
		cli.IntFlag{
			Name:  "memory",
			Usage: "guest memory in MB",
			Value: 512,
		},
		cli.IntFlag{
			Name:  "disk",
			Usage: "scratch disk size in MB",
			Value: 1024,
		},
		cli.StringFlag{
			Name:  "version",
			Usage: "µCernVM version, or \"latest\"",
			Value: "latest",
		},
		cli.StringFlag{
			Name:  "secret",
			Usage: "session secret guarding later attach calls",
		},
	},
	Before: appargs.Validate(appargs.NonEmpty),
	Action: func(context *cli.Context) error {
		i, err := getInstance(context)
		if err != nil {
			return err
		}

		p := cernvm.NewParameterMap()
		p.Set("name", context.Args().First())
		p.SetInt("cpus", context.Int("cpus"))
		p.SetInt("memory", context.Int("memory"))
		p.SetInt("disk", context.Int("disk"))
		p.Set("cernvmVersion", context.String("version"))
		p.Set("secret", context.String("secret"))

		ctx := bgContext()
		s, err := i.SessionOpen(ctx, p, nil, context.String("secret") != "")
		if err != nil {
			return err
		}
		if err := s.Open(ctx); err != nil {
			return err
		}
		fmt.Println(s.UUID)
		return nil
	},
}
