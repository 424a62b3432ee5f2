// Command aifo-toolexec starts toolchain sessions and manages what they
// leave behind: sidecar containers, proxy sockets and cache volumes.
package main

import (
	"os"
)

var version = "dev"

func main() {
	if err := newRootCmd(newApp()).Execute(); err != nil {
		os.Exit(1)
	}
}
