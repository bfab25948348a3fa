package main

import (
	"fmt"
	"os"

	"github.com/Iron-Ham/subclust/internal/cmd"
	apperrors "github.com/Iron-Ham/subclust/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cmd.FormatError(err))
		os.Exit(apperrors.ExitCode(err))
	}
}
