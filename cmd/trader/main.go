package main

import (
	"os"

	"github.com/wonny/autotrader/cmd/trader/commands"
)

// main is the entry point for the trader CLI
// ⭐ 통합 CLI 진입점: go run ./cmd/trader [command]
func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
