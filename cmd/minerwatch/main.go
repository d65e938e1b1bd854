// Command minerwatch monitors miner prediction logs and serves the
// evaluation API.
package main

import (
	"prediction-monitor/internal/cli"
)

func main() {
	cli.Execute()
}
