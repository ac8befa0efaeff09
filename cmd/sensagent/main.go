package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/juju/errors"
	"github.com/temoto/sensagent/cmd/sensagent/buffer"
	"github.com/temoto/sensagent/cmd/sensagent/run"
	"github.com/temoto/sensagent/cmd/sensagent/subcmd"
	"github.com/temoto/sensagent/internal/state"
	state_new "github.com/temoto/sensagent/internal/state/new"
	"github.com/temoto/sensagent/log2"
)

var BuildVersion string = "unknown" // set by ldflags -X

var log = log2.NewStderr(log2.LInfo)
var modules = []subcmd.Mod{
	run.Mod,
	buffer.Mod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagConfig := cmdline.String("config", state.DefaultConfigName, "path to HCL config")
	flagVersion := cmdline.Bool("version", false, "print build version and exit")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] [command]\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(cmdline.Output(), "flags:\n")
		cmdline.PrintDefaults()
	}
	if err := cmdline.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if *flagVersion {
		fmt.Printf("sensagent %s\n", BuildVersion)
		return
	}

	mod, err := subcmd.Parse(cmdline.Arg(0), modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}

	if subcmd.SdNotify(log, "start") {
		// under systemd assume journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	ctx, g := state_new.NewContext(log)
	g.BuildVersion = BuildVersion
	if err := mod.Main(ctx, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}
