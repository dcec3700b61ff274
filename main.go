// Package main is the entry point of k6web.
package main

import "github.com/liuxd6825/k6web/cmd"

func main() {
	cmd.Execute()
}
