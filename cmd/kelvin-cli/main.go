// Command kelvin-cli is a thin demonstration shell around package kelvin:
// it opens a connection, issues a single already-built query AST passed on
// the command line, and renders whatever comes back.
package main

import "github.com/kelvindb/kelvin-go/cmd/kelvin-cli/cli"

func main() {
	cli.Execute()
}
