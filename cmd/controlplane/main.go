// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"log"

	"axonflow/controlplane/steering"
)

func main() {
	if err := steering.Run(); err != nil {
		log.Fatal(err)
	}
}
