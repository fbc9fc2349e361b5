package main

import (
	"os"

	"scenelens/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
