package main

import (
	"os"

	"github.com/bitrise-io/go-chunkupload/cli"
)

func main() {
	os.Exit(cli.Execute())
}
