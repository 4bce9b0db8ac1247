// Command vfsctl inspects and edits files through vfskit drivers.
package main

import (
	"os"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
