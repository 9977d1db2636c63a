package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/cli"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Panic recovered", "panic", r, "stack", string(debug.Stack()))
			fmt.Fprintf(os.Stderr, "hitchgate: panic: %v\n", r)
			os.Exit(1)
		}
	}()

	os.Exit(cli.Execute())
}

// Personal.AI order the ending
