// Package main provides orchardctl, a command line tool to inspect and repair
// the Orchard synchronization state of a wallet database.
//
//	orchardctl --db wallet.db account register --account alice --birthday 1687104
//	orchardctl --db wallet.db notes --account alice
//	orchardctl --db wallet.db witness --account alice --position 12 --checkpoint 1687200
//	orchardctl --config orchard.yml --metrics reorg --account alice --height 1687150 --hash 00ab
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.dedis.ch/orchard"
)

var printer io.Writer = os.Stderr

func main() {
	// The standard output is reserved to the result of the commands.
	orchard.Logger = orchard.Logger.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	})

	err := newApp(os.Stdout).Run(os.Args)
	if err != nil {
		fmt.Fprintf(printer, "%+v\n", err)
		os.Exit(1)
	}
}
