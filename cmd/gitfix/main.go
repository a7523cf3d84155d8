package main

import (
	"fmt"
	"os"

	"github.com/lorenzkrinner/gitfix/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gitfix:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
