// Command mcp-toolserver serves the builtin tools over stdio, HTTP or
// WebSocket.
package main

import "os"

// version is set at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
