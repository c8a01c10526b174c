package main

// ============================================================================
// rankwatch entry point
// ============================================================================
//
// All logic lives in internal/cli; main only maps the outcome to an exit
// code (see supervisor.ExitCode for the table).
//
// Build:
//   go build -o bin/rankwatch ./cmd/rankwatch
//   go build -ldflags "-X github.com/ChuLiYu/rankwatch/internal/cli.Version=1.0.0" ./cmd/rankwatch
//
// Examples:
//   ./bin/rankwatch run -n 4 -- ./bin/demo-worker --steps 500
//   ./bin/rankwatch run -c configs/rankwatch.yaml --node local --node gpu1=10.0.0.2:29500 -- python train.py
//   ./bin/rankwatch inspect --journal run.journal --report report.json
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/rankwatch/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute())
}
