package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/floe/cmd"
)

const defaultConfigFile = "/etc/floe/floe.hcl"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", defaultConfigFile, "Configuration file")
		runFlags.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
		metricsAddr := runFlags.String("metrics", "", "Prometheus listen address (e.g. :9090), empty disables")
		runFlags.Parse(os.Args[2:])

		fail(cmd.RunDaemon(*configFile, *metricsAddr))

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := defaultConfigFile
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		fail(cmd.RunCheck(configFile, *verbose))

	case "policy":
		runPolicy(os.Args[2:])

	// Shorthand for the common policy verbs.
	case "apply":
		runPolicy(append([]string{"apply"}, os.Args[2:]...))
	case "remove":
		runPolicy(append([]string{"remove"}, os.Args[2:]...))
	case "policies":
		runPolicy(append([]string{"list"}, os.Args[2:]...))

	case "status":
		configFile, _ := configArg(os.Args[2:])
		fail(cmd.RunStatus(configFile))

	case "usage":
		usageFlags := flag.NewFlagSet("usage", flag.ExitOnError)
		configFile := usageFlags.String("config", defaultConfigFile, "Configuration file")
		segment := usageFlags.Int("segment", -1, "Segment id")
		limit := usageFlags.Int("n", 20, "Rows to print")
		usageFlags.Parse(os.Args[2:])

		if *segment < 0 {
			fail(fmt.Errorf("usage requires --segment"))
		}
		fail(cmd.RunUsage(*configFile, *segment, *limit))

	case "events":
		eventFlags := flag.NewFlagSet("events", flag.ExitOnError)
		configFile := eventFlags.String("config", defaultConfigFile, "Configuration file")
		segment := eventFlags.Int("segment", -1, "Segment id (all when omitted)")
		limit := eventFlags.Int("n", 20, "Rows to print")
		eventFlags.Parse(os.Args[2:])

		fail(cmd.RunEvents(*configFile, *segment, *limit))

	case "interfaces":
		configFile, _ := configArg(os.Args[2:])
		fail(cmd.RunInterfaces(configFile))

	case "version":
		fmt.Println(version)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runPolicy(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: floe policy <list|show|sync|apply|remove|delete> [name]")
		os.Exit(1)
	}
	sub := args[0]
	configFile, rest := configArg(args[1:])

	name := ""
	if len(rest) > 0 {
		name = rest[0]
	}
	needName := func() {
		if name == "" {
			fmt.Fprintf(os.Stderr, "Usage: floe policy %s <name>\n", sub)
			os.Exit(1)
		}
	}

	switch sub {
	case "list":
		fail(cmd.RunPolicyList(configFile))
	case "show":
		needName()
		fail(cmd.RunPolicyShow(configFile, name))
	case "sync":
		fail(cmd.RunPolicySync(configFile))
	case "apply":
		needName()
		fail(cmd.RunPolicyApply(configFile, name))
	case "remove":
		needName()
		fail(cmd.RunPolicyRemove(configFile, name))
	case "delete":
		needName()
		fail(cmd.RunPolicyDelete(configFile, name))
	default:
		fmt.Fprintf(os.Stderr, "unknown policy command %q\n", sub)
		os.Exit(1)
	}
}

// configArg extracts a leading --config/-c flag, returning the config
// path and the remaining arguments.
func configArg(args []string) (string, []string) {
	fs := flag.NewFlagSet("", flag.ExitOnError)
	configFile := fs.String("config", defaultConfigFile, "Configuration file")
	fs.StringVar(configFile, "c", defaultConfigFile, "Configuration file (short)")
	fs.Parse(args)
	return *configFile, fs.Args()
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`floe - VLAN bandwidth governor

Usage:
  floe <command> [options]

Commands:
  run         Run the governor daemon
              Options: --config (-c) <file>, --metrics <addr>
  check       Validate a configuration file
              Options: --verbose (-v)
  policy      Manage shaping policies
              Subcommands: list, show, sync, apply, remove, delete
  status      Show per-segment enforcement status
  usage       Show recent usage rows
              Options: --segment <id>, -n <rows>
  events      Show enforcement events
              Options: --segment <id>, -n <rows>
  interfaces  Show the interface inventory snapshot
  version     Print the version

Global options (where applicable):
  --config (-c) <file>   Configuration file (default %s)
`, defaultConfigFile)
}
