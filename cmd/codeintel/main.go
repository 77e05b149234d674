package main

import (
	"os"

	"github.com/maverikod/vvz-code-analyzis-sub003/cmd/codeintel/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
