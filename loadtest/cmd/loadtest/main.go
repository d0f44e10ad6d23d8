// Command loadtest drives a daymatch gateway with simulated users.
//
// Usage:
//
//	loadtest saturate [options]   hold N idle connections
//	loadtest chat [options]       pairs open a conversation and exchange messages
package main

import (
	"fmt"
	"os"
)

type command struct {
	name    string
	summary string
	run     func(args []string)
}

var commands = []command{
	{"saturate", "Open N connections, resolve each user's match and hold them", runSaturate},
	{"chat", "Pairs of users open a conversation with each other and exchange messages", runChat},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		usage(os.Stdout)
		return
	}
	for _, c := range commands {
		if c.name == name {
			c.run(os.Args[2:])
			return
		}
	}
	fmt.Fprintf(os.Stderr, "loadtest: unknown command %q\n\n", name)
	usage(os.Stderr)
	os.Exit(2)
}

func usage(w *os.File) {
	fmt.Fprintln(w, "Usage: loadtest <command> [options]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'loadtest <command> -h' for command-specific options.")
}
