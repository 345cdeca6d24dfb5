// Binary moat-hook is the per-event child process the host runtime invokes
// for every hook event. It reads one JSON envelope on stdin, mediates the
// event against the policy API with durable cross-invocation state, and
// writes one JSON decision to stdout.
//
// Protocol: reads JSON from stdin, writes JSON to stdout.
//   - Allow (pass through): {}
//   - Block:               {"decision":"block","reason":"..."}
//   - Deny (tool hooks):   adds hookSpecificOutput.permissionDecision "deny"
//
// Design: fail-open. Every internal error path resolves to allow so a broken
// mediator degrades to normal host behavior instead of blocking the user.
// Policy verdicts are the only source of block decisions.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func main() {
	eventOverride := flag.String("event", "", "hook event name override")
	flag.Parse()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "moat-hook: panic: %v\n", r)
			os.Exit(2)
		}
	}()

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "moat-hook: failed to read stdin: %v\n", err)
		writeOut(allowJSON)
		return
	}

	writeOut(Run(input, *eventOverride))
}

// writeOut writes the decision JSON to stdout with a trailing newline.
func writeOut(out []byte) {
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
}
