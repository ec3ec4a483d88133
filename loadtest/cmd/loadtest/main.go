// Command loadtest drives a running direct chat server with simulated users.
//
//	loadtest saturate -secret S -connections 10000
//	loadtest chat -secret S -pairs 100
//
// Every scenario signs its own identity tokens, so -secret must match the
// server's JWT_SECRET.
package main

import (
	"fmt"
	"io"
	"os"
)

type scenario struct {
	name    string
	summary string
	run     func(args []string)
}

var scenarios = []scenario{
	{"saturate", "hold N idle sessions open and measure presence fan-out", runSaturate},
	{"chat", "connect user pairs and measure direct message delivery latency", runChat},
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	name := os.Args[1]
	for _, sc := range scenarios {
		if sc.name == name {
			sc.run(os.Args[2:])
			return
		}
	}

	switch name {
	case "help", "-h", "--help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "loadtest: unknown scenario %q\n\n", name)
		usage(os.Stderr)
		os.Exit(2)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: loadtest <scenario> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "scenarios:")
	for _, sc := range scenarios {
		fmt.Fprintf(w, "  %-10s %s\n", sc.name, sc.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "'loadtest <scenario> -h' lists the flags of one scenario.")
}
