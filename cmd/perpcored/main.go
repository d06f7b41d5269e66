package main

import (
	"log"

	"github.com/nhbchain/perpcore/cmd/perpcored/internal/daemon"
)

func main() {
	if err := daemon.Main(); err != nil {
		log.Fatalf("perpcored: %v", err)
	}
}
