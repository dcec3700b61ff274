package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/liuxd6825/k6web/lib/consts"
)

func getColor(noColor bool, attributes ...color.Attribute) *color.Color {
	c := color.New(attributes...)
	if noColor {
		c.DisableColor()
	} else {
		c.EnableColor()
	}
	return c
}

func getBanner(noColor bool) string {
	return getColor(noColor, color.FgCyan).Sprint(consts.Banner)
}

func printBanner(gs *globalState) {
	if gs.flags.quiet {
		return
	}
	_, _ = fmt.Fprintf(gs.stdOut, "\n%s\n\n", getBanner(gs.flags.noColor || !gs.stdOut.isTTY))
}
