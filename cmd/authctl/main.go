// Command authctl runs operator tasks against the auth store: schema
// migrations and one-off cleanup.
package main

import (
	"os"

	"notehub/internal/config"
)

func main() {
	cmd := NewRootCmd(config.Load)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
