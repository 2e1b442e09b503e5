package main

import (
	"context"
	"fmt"
	"os"

	"github.com/clawinfra/evovariant/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := cli.NewRootCmd(fmt.Sprintf("%s (built %s)", version, buildTime))
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
