package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	// Init adapters
	_ "github.com/roffe/canbus/adapter"
	"github.com/roffe/canbus/cmd/cantool/cmd"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Setup interupt handler for ctrl-c
	quitChan := make(chan os.Signal, 1)
	signal.Notify(quitChan, os.Interrupt)
	go func() {
		s := <-quitChan
		fmt.Fprintf(os.Stderr, "got %v, exiting\n", s)
		cancel()
		// Failsafe if there is deadlocks
		<-time.After(10 * time.Second)
		fmt.Fprintln(os.Stderr, "took to long to shutdown, forcefully exiting")
		os.Exit(1)
	}()
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
