package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Exposed for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "init":
		return runInitCmd(args[2:], stdout, stderr)
	case "cross-sign":
		return runCrossSignCmd(args[2:], stdout, stderr)
	case "import":
		return runImportCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorGreen = "\033[32m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%schronicled %s%s\n", ColorBold+ColorBlue, "v0.4.0", ColorReset)
	fmt.Fprintf(w, "%sAppend-only chronicle with cross-signing peers.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  chronicled <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "INSTANCE")
	printCommand(w, "serve", "Run the API server and cross-sign scheduler (default)")
	printCommand(w, "init", "Create the instance identity and print its public keys")
	printCommand(w, "import", "Import clients and targets from a seed profile (--profile)")

	printSection(w, "CROSS-SIGNING")
	printCommand(w, "cross-sign", "Run one cross-sign cycle (--target, --json)")

	printSection(w, "CHAIN")
	printCommand(w, "verify", "Recompute and verify the whole chain")
	printCommand(w, "archive", "Export a signed checkpoint bundle (--to, --from, --upto)")

	printSection(w, "UTILITIES")
	printCommand(w, "token", "Mint an operator token (--subject, --ttl)")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
