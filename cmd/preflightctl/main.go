// Command preflightctl evaluates Solana transactions and inspects preflight
// state from the command line.
package main

import "github.com/mbd888/preflight/internal/cli"

func main() {
	cli.Execute()
}
