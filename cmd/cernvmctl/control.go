package main

import (
	gcontext "context"

	"github.com/urfave/cli"

	cernvm "github.com/cernvm/libcernvm"
	"github.com/cernvm/libcernvm/internal/appargs"
)

// controlCommand builds the stop/pause/resume family: one required
// session argument, one session method.
func controlCommand(name, usage string, op func(gcontext.Context, *cernvm.Session) error) cli.Command {
	return cli.Command{
		Name:      name,
		Usage:     usage,
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
			return op(bgContext(), s)
		},
	}
}

var stopCommand = controlCommand("stop", "power a session off",
	func(ctx gcontext.Context, s *cernvm.Session) error { return s.Stop(ctx) })

var pauseCommand = controlCommand("pause", "suspend a running session in memory",
	func(ctx gcontext.Context, s *cernvm.Session) error { return s.Pause(ctx) })

var resumeCommand = controlCommand("resume", "continue a paused session",
	func(ctx gcontext.Context, s *cernvm.Session) error { return s.Resume(ctx) })
