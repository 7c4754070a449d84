package main

import (
	"context"
	"os"

	"github.com/seantiz/infergate/cmd/infergate/cmd"
)

func main() {
	if err := cmd.RootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
