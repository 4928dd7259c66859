package main

import (
	"log"

	"sweepd/daemon"
)

func main() {
	if err := daemon.Main(); err != nil {
		log.Fatalf("sweepd: %v", err)
	}
}
