package main

import "github.com/p2pkit/dht/cmd/dhtnode/commands"

func main() {
	commands.Execute()
}
