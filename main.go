// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("Malar Market Ledger - Offline Sync")
	fmt.Println("==================================")
	fmt.Println()
	fmt.Println("Offline-first synchronization for the flower market ledger: durable")
	fmt.Println("mutation queueing, ordered replay with idempotent delivery, and")
	fmt.Println("frequency-ranked product suggestions that keep working without a network.")
	fmt.Println()

	fmt.Println("Available examples:")
	fmt.Println()
	fmt.Println("1. Offline flow demo (examples/offline_flow/)")
	fmt.Println("   Client-side walkthrough: queue writes offline, reconnect, drain")
	fmt.Println("   Run: cd examples/offline_flow && go run .")
	fmt.Println()
	fmt.Println("2. Replay server (examples/ledger_server/)")
	fmt.Println("   Reference REST server with JWT auth and mutation deduplication")
	fmt.Println("   Run: cd examples/ledger_server && go run . -config config.yaml")
	fmt.Println()
}
