package main

import (
	"fmt"
	"os"

	"github.com/andrei-cloud/go_hce/cmd/go_hce/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
