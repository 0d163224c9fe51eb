package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
	ConfigPath   string
	AccountsPath string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("inspectd", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.AccountsPath, "accounts", "", "Path to the account list (overrides config)")
	_ = fs.Parse(args)
	return opts
}
