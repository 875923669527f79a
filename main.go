// Package main is the entry point for lmsguard.
package main

import (
	"os"

	"lmsguard/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
