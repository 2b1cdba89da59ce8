// Command bankclient submits one batch of account operations, read from
// a text file, to a running bankserver over its well-known FIFO, and
// prints one outcome line per operation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eridani-labs/bankd/internal/bankclient"
	"github.com/eridani-labs/bankd/internal/opfile"
	"github.com/eridani-labs/bankd/internal/wire"
	"github.com/eridani-labs/bankd/pkg/logging"
)

var version = "0.1.0-dev"

func main() {
	var (
		logLevel    = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <ClientFile> <ServerFifoName>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("bankclient %s\n", version)
		os.Exit(0)
	}

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	clientFile := flag.Arg(0)
	serverFifoName := flag.Arg(1)

	log := logging.New(&logging.Config{Level: *logLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	ops, err := opfile.ParseFile(clientFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bankclient: %v\n", err)
		os.Exit(1)
	}
	if len(ops) == 0 {
		fmt.Fprintln(os.Stderr, "bankclient: client file contains no operations")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	cfg := bankclient.DefaultConfig("/tmp/" + serverFifoName)
	results, err := bankclient.Run(ctx, os.Getpid(), ops, cfg)
	if err != nil && len(results) == 0 {
		fmt.Fprintf(os.Stderr, "bankclient: %v\n", err)
		os.Exit(1)
	}

	for _, r := range results {
		printResult(r)
	}

	os.Exit(0)
}

func printResult(r bankclient.Result) {
	if r.Status != wire.StatusOK {
		msg := r.Message
		if r.Err != nil && msg == "" {
			msg = r.Err.Error()
		}
		fmt.Printf("Client%02d something went WRONG: %s\n", r.Index, msg)
		return
	}

	if r.Closed() {
		fmt.Printf("Client%02d: %s account closed\n", r.Index, r.BankID)
		return
	}

	fmt.Printf("Client%02d: %s balance is now %d\n", r.Index, r.BankID, r.Balance)
}
