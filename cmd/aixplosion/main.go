package main

import (
	"os"

	"github.com/soyeahso/aixplosion/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
