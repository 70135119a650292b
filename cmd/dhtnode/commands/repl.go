package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/p2pkit/dht"
)

const helpText = `Commands:
  .help        Display this help.
  .quit        Exit the application.
  .put         Store a key-value pair in the DHT.
  .lookup      Look a key up in the DHT.
  .showroutes  Display the routing table.
  .showuid     Display this node's UID.
  .kvstore     Display the local key-value store.`

// repl reads commands from stdin until .quit or end of input.
func repl(node *dht.DHT) {
	fmt.Println("Please type .help for help or .quit to exit the application.")
	scan := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scan.Scan() {
			return
		}
		command := strings.TrimSpace(scan.Text())
		if command == "" {
			continue
		}

		switch strings.ToLower(command) {
		case ".quit":
			return

		case ".help":
			fmt.Println(helpText)

		case ".put":
			key := prompt(scan, "Enter the key: ")
			value := prompt(scan, "Enter the value: ")
			fmt.Print("Adding key-value pair . . . ")
			if err := node.Put(key, value); err != nil {
				fmt.Println("[FAILED]")
				fmt.Fprintln(os.Stderr, "dhtnode:", err)
				continue
			}
			fmt.Println("[ OK ]")

		case ".lookup":
			key := prompt(scan, "Enter the key: ")
			value, err := node.Get(key)
			switch {
			case err == dht.ErrNotFound:
				fmt.Println("No such key.")
			case err != nil:
				fmt.Fprintln(os.Stderr, "dhtnode:", err)
			default:
				fmt.Println("Value: " + value)
			}

		case ".showroutes":
			fmt.Println()
			fmt.Println("Routing Table")
			fmt.Println("-------------")
			fmt.Println(node.RoutesDump())

		case ".showuid":
			fmt.Println(node.UID())

		case ".kvstore":
			fmt.Println(node.StoreDump())

		default:
			fmt.Println("Unknown command. Type .help for help.")
		}
	}
}

func prompt(scan *bufio.Scanner, label string) string {
	fmt.Print(label)
	if !scan.Scan() {
		return ""
	}
	return scan.Text()
}
