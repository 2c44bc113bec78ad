package main

import (
	"github.com/alecthomas/kong"

	"github.com/chaz8081/gasmon/internal/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c,
		kong.Name("gasmon"),
		kong.Description("Monitor a Bluetooth LE gas sensor and switch the gas it measures."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
