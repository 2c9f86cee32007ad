package main

import (
	"github.com/nimburion/racesync/pkg/cli"
)

func main() {
	cli.Execute(cli.NewServiceCommand(cli.CommandOptions{
		Name:        "racesync",
		Description: "Scheduled racing schedule import with a distributed execution lock",
		EnvPrefix:   "RACESYNC",
	}))
}
