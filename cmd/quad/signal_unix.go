//go:build linux || darwin || freebsd

package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

// activeStats is polled by the SIGUSR1 handler below; transfer commands
// set it once their saferw.Channel exists, the same "wire up a getter,
// dump it on signal" shape as kcptun's client/signal.go.
var activeStats func() string

func init() {
	go sigHandler()
}

func sigHandler() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE)

	for range ch {
		if activeStats != nil {
			log.Printf("SafeRW stats: %s", activeStats())
		}
	}
}
