package main

import (
	"context"
	"os"

	"github.com/PipeOpsHQ/airgen-go/internal/cli"
)

func main() {
	cli.Run(context.Background(), os.Args[1:])
}
