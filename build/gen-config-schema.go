// Command gen-config-schema writes the JSON schema of the node configuration
// file, to stdout or to the path given as the only argument.
package main

import (
	"fmt"
	"os"

	"github.com/nildb/nildb/internal/config"
)

func main() {
	bs, err := config.ReflectSchema()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(os.Args) < 2 || os.Args[1] == "-" {
		os.Stdout.Write(append(bs, '\n'))
		return
	}
	if err := os.WriteFile(os.Args[1], bs, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
