// Command judged-fmt is a placeholder for the source-formatting
// companion endpoint named in the module breakdown; formatting logic
// itself is out of scope here (see SPEC_FULL.md's Non-goals).
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "judged-fmt: not implemented")
	os.Exit(1)
}
