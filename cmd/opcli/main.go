// Package main is the entry point for the opcli CLI.
package main

import "github.com/opf/opcli/internal/cli"

func main() {
	cli.Execute()
}
