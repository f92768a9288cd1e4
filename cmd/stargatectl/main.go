// Command stargatectl is the admin CLI client for the Stargate daemon.
package main

import "github.com/metamatt/stargate/cmd/stargatectl/commands"

func main() {
	commands.Execute()
}
