// Package main provides the siteaudit CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/lukemcguire/siteaudit/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		if !errors.Is(err, cmd.ErrRunFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
