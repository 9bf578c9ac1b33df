package main

import (
	"os"

	"github.com/urfave/cli"

	"github.com/cernvm/libcernvm/internal/appargs"
)

var startCommand = cli.Command{
	Name:      "start",
	Usage:     "provision media and boot a session",
	ArgsUsage: `<uuid-or-name>`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "user-data",
			Usage: "file with contextualization user data",
		},
	},
	Before: appargs.Validate(appargs.NonEmpty),
	Action: func(context *cli.Context) error {
		i, err := getInstance(context)
		if err != nil {
			return err
		}
		s, err := getSession(context, i)
		if err != nil {
			return err
		}

		if path := context.String("user-data"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			s.Parameters().Set("userData", string(data))
		}
		return s.Start(bgContext(), nil, nil)
	},
}
