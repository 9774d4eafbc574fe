// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-bouncesync - Offline-First Synchronization Engine")
	fmt.Println("====================================================")
	fmt.Println()
	fmt.Println("go-bouncesync reconciles an on-device SQLite datastore with a remote")
	fmt.Println("backend across unreliable connectivity: per-table conflict policies,")
	fmt.Println("encrypted sensitive fields, a durable offline action queue, and")
	fmt.Println("storage-quota admission control.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  localstore  - embedded transactional datastore (SQLite)")
	fmt.Println("  fieldcrypt  - AES-GCM encryption of sensitive fields")
	fmt.Println("  remote      - thin request layer for the remote backend")
	fmt.Println("  offqueue    - durable offline action queue with bounded retry")
	fmt.Println("  storagemon  - capacity thresholds, admission control, pruning")
	fmt.Println("  syncmgr     - per-table reconciliation strategies and status")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("  examples/backend - reference sync backend (net/http + Postgres)")
	fmt.Println("  Run: cd examples/backend && go run .")
}
