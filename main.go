package main

import (
	"os"

	"github.com/BYTEDz/PCLink/cli"
)

func main() {
	os.Exit(cli.Execute())
}
