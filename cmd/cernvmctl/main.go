// cernvmctl is a thin operator tool over the session layer: it drives
// CernVM sessions under a local hypervisor from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	cernvm "github.com/cernvm/libcernvm"
	"github.com/cernvm/libcernvm/internal/hv"
)

func main() {
	app := cli.NewApp()
	app.Name = "cernvmctl"
	app.Usage = "manage CernVM virtual-machine sessions"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "hypervisor",
			Usage: "path to the hypervisor control program",
			Value: "VBoxManage",
		},
		cli.StringFlag{
			Name:  "data-dir",
			Usage: "directory for session state and runtime media",
		},
		cli.StringFlag{
			Name:  "cache-dir",
			Usage: "directory for downloaded boot images",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
	}
	app.Before = func(context *cli.Context) error {
		if context.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		} else {
			logrus.SetLevel(logrus.WarnLevel)
		}
		return nil
	}
	app.Commands = []cli.Command{
		listCommand,
		openCommand,
		startCommand,
		stopCommand,
		pauseCommand,
		resumeCommand,
		stateCommand,
		deleteCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// getInstance builds the registry for this invocation and restores the
// persisted sessions.
func getInstance(context *cli.Context) (*cernvm.Instance, error) {
	dirData := context.GlobalString("data-dir")
	if dirData == "" {
		dirData = cernvm.DirData()
	}
	dirCache := context.GlobalString("cache-dir")
	if dirCache == "" {
		dirCache = cernvm.DirDataCache()
	}

	backend := newCtlBackend(context.GlobalString("hypervisor"))
	i := hv.NewInstance(backend, dirData, dirCache,
		hv.WithBinaryPath(backend.binary))
	if err := i.LoadSessions(bgContext()); err != nil {
		return nil, err
	}
	return i, nil
}

// getSession resolves the first command argument as uuid, then as name.
func getSession(context *cli.Context, i *cernvm.Instance) (*cernvm.Session, error) {
	id := context.Args().First()
	if s := i.SessionGet(id); s != nil {
		return s, nil
	}
	if s := i.SessionByName(id); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("no session %q", id)
}
