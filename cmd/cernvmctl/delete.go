package main

import (
	"github.com/urfave/cli"

	"github.com/cernvm/libcernvm/internal/appargs"
)

var deleteCommand = cli.Command{
	Name:      "delete",
	Usage:     "destroy a session, its backing VM and its persisted state",
	ArgsUsage: `<uuid-or-name>`,
	Before:    appargs.Validate(appargs.NonEmpty),
	Action: func(context *cli.Context) error {
		i, err := getInstance(context)
		if err != nil {
			return err
		}
		s, err := getSession(context, i)
		if err != nil {
			return err
		}
		return i.SessionDelete(bgContext(), s)
	},
}
