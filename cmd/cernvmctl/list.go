package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/cernvm/libcernvm/internal/appargs"
)

var listCommand = cli.Command{
	Name:  "list",
	Usage: "list known sessions",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "quiet, q",
			Usage: "display only session uuids",
		},
	},
	Before: appargs.Validate(),
	Action: func(context *cli.Context) error {
		i, err := getInstance(context)
		if err != nil {
			return err
		}

		sessions := i.Sessions()
		if context.Bool("quiet") {
			for _, s := range sessions {
				fmt.Println(s.UUID)
			}
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
		fmt.Fprint(w, "UUID\tNAME\tSTATE\n")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				s.UUID,
				s.Parameters().Get("name", ""),
				s.State())
		}
		return w.Flush()
	},
}
