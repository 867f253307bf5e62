// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/mobiletoly/go-overcache/overcache"
)

func main() {
	fmt.Println("🚀 go-overcache - Offline-First Data Access Engine")
	fmt.Println("==================================================")
	fmt.Println()
	fmt.Println("go-overcache serves reads network-first with a local SQLite cache fallback,")
	fmt.Println("queues writes made offline and replays them in order when connectivity returns.")
	fmt.Println()

	fmt.Println("📦 Default collections:")
	for _, c := range overcache.DefaultCollections() {
		kind := "reference"
		if c.DraftOnOffline || c.TTL == overcache.TransactionalTTL {
			kind = "transactional"
		}
		fmt.Printf("   %-22s %-13s ttl=%s\n", c.Name, kind, c.TTL)
	}
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Record Server (examples/nethttp_server/)")
	fmt.Println("   Authoritative PostgreSQL-backed collections API with JWT auth")
	fmt.Println("   Run: cd examples/nethttp_server && go run .")
	fmt.Println()

	fmt.Println("2. 📱 Client Simulator (examples/mobile_flow/)")
	fmt.Println("   Offline/online scenarios, queue inspection and a status websocket")
	fmt.Println("   Run: cd examples/mobile_flow && go run . run all")
	fmt.Println()
}
