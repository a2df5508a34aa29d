package main

import (
	"flag"
	"fmt"
	"os"

	"wagercore/internal/tools/verify"
)

func main() {
	cfg, err := verify.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		exitf("parse flags: %v", err)
	}
	if err := verify.Run(cfg, os.Stdout); err != nil {
		exitf("verify: %v", err)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
