package main

import (
	"encoding/json"
	"os"

	"github.com/urfave/cli"

	"github.com/cernvm/libcernvm/internal/appargs"
)

// sessionState is the JSON shape emitted by the state command.
type sessionState struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	State   string `json:"state"`
	CPUs    int    `json:"cpus"`
	Memory  int    `json:"memory"`
	Version string `json:"cernvmVersion"`
	APIPort int    `json:"apiPort"`
}

var stateCommand = cli.Command{
	Name:      "state",
	Usage:     "output the state of a session",
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

		// Refresh from the backend before reporting.
		if err := s.Update(bgContext(), false); err != nil {
			return err
		}

		st := sessionState{
			UUID:    s.UUID,
			Name:    s.Parameters().Get("name", ""),
			State:   s.State().String(),
			CPUs:    s.Parameters().GetInt("cpus", 1),
			Memory:  s.Parameters().GetInt("memory", 512),
			Version: s.Parameters().Get("cernvmVersion", ""),
			APIPort: s.APIPort(),
		}
		data, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			return err
		}
		data = append(data, '\n')
		_, err = os.Stdout.Write(data)
		return err
	},
}
