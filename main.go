package main

import (
	"flag"
	"os"

	"grimm.is/flowgate/cmd"
	"grimm.is/flowgate/internal/brand"
	"grimm.is/flowgate/internal/errors"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := runFlags.String("config", brand.ConfigPath(), "Configuration file")
		runFlags.StringVar(configFile, "c", brand.ConfigPath(), "Configuration file (short)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*configFile); err != nil {
			printer.Fprintf(os.Stderr, "Run failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Print the built tables as YAML")
		checkFlags.BoolVar(verbose, "v", false, "Print the built tables as YAML (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.ConfigPath()
		if checkFlags.NArg() > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(os.Stdout, configFile, *verbose); err != nil {
			printer.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "diff":
		diffFlags := flag.NewFlagSet("diff", flag.ExitOnError)
		diffFlags.Parse(os.Args[2:])
		if diffFlags.NArg() != 2 {
			printer.Fprintf(os.Stderr, "Usage: %s diff <from-config> <to-config>\n", brand.BinaryName)
			os.Exit(2)
		}
		if err := cmd.RunDiff(os.Stdout, diffFlags.Arg(0), diffFlags.Arg(1)); err != nil {
			if !errors.Is(err, cmd.ErrDiffers) {
				printer.Fprintf(os.Stderr, "Diff failed: %v\n", err)
			}
			os.Exit(1)
		}

	case "reload":
		reloadFlags := flag.NewFlagSet("reload", flag.ExitOnError)
		configFile := reloadFlags.String("config", brand.ConfigPath(), "Configuration file")
		reloadFlags.StringVar(configFile, "c", brand.ConfigPath(), "Configuration file (short)")
		reloadFlags.Parse(os.Args[2:])

		if err := cmd.RunReload(os.Stdout, *configFile); err != nil {
			printer.Fprintf(os.Stderr, "Reload failed: %v\n", err)
			os.Exit(1)
		}

	case "stop":
		if err := cmd.RunStop(os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "Stop failed: %v\n", err)
			os.Exit(1)
		}

	case "audit":
		auditFlags := flag.NewFlagSet("audit", flag.ExitOnError)
		configFile := auditFlags.String("config", brand.ConfigPath(), "Configuration file naming the audit database")
		db := auditFlags.String("db", "", "Audit database (overrides the configuration)")
		eventType := auditFlags.String("type", "", "Only events of this type")
		peer := auditFlags.String("peer", "", "Only events for this peer")
		since := auditFlags.Duration("since", 0, "Only events newer than this")
		limit := auditFlags.Int("n", 50, "Maximum events to show")
		asJSON := auditFlags.Bool("json", false, "Print events as JSON")
		auditFlags.Parse(os.Args[2:])

		if *db == "" {
			*db = cmd.AuditDB(*configFile)
		}
		err := cmd.RunAudit(os.Stdout, cmd.AuditOptions{
			DB:    *db,
			Type:  *eventType,
			Peer:  *peer,
			Since: *since,
			Limit: *limit,
			JSON:  *asJSON,
		})
		if err != nil {
			printer.Fprintf(os.Stderr, "Audit failed: %v\n", err)
			os.Exit(1)
		}

	case "genkey":
		if err := cmd.RunGenKey(os.Stdout); err != nil {
			printer.Fprintf(os.Stderr, "genkey failed: %v\n", err)
			os.Exit(1)
		}

	case "pubkey":
		if len(os.Args) != 3 {
			printer.Fprintf(os.Stderr, "Usage: %s pubkey <private-key>\n", brand.BinaryName)
			os.Exit(2)
		}
		if err := cmd.RunPubKey(os.Stdout, os.Args[2]); err != nil {
			printer.Fprintf(os.Stderr, "pubkey failed: %v\n", err)
			os.Exit(1)
		}

	case "version", "-v", "--version":
		cmd.RunVersion(os.Stdout)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  run       Run the packet pipeline in the foreground
            Options: --config (-c) <file>
  reload    Validate the configuration and signal the daemon to apply it
            Options: --config (-c) <file>
  stop      Stop the running daemon
  check     Validate a configuration file and build its tables
            Options: --verbose (-v)
  diff      Compare the tables two configuration files install
  audit     Show recorded security events
            Options: --type <type>, --peer <name>, --since <duration>, -n <count>, --json
  genkey    Generate a tunnel key pair
  pubkey    Print the public key of a private key
  version   Show build information

Examples:
  %s run -c %s
  %s check -v %s
  %s diff old.hcl new.hcl
  %s audit -type vpn.auth_failure -since 24h
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.ConfigPath(),
		brand.LowerName, brand.ConfigPath(),
		brand.LowerName,
		brand.LowerName)
}
