package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liuxd6825/k6web/lib/consts"
)

type versionCmd struct {
	gs     *globalState
	isJSON bool
}

func (c *versionCmd) run(cmd *cobra.Command, _ []string) error {
	if !c.isJSON {
		_, err := fmt.Fprintf(c.gs.stdOut, "k6web v%s\n", consts.FullVersion())
		return err
	}

	details, err := json.Marshal(consts.VersionDetails())
	if err != nil {
		return fmt.Errorf("failed to produce the JSON version details: %w", err)
	}
	_, err = fmt.Fprintln(c.gs.stdOut, string(details))
	return err
}

func getCmdVersion(gs *globalState) *cobra.Command {
	c := &versionCmd{gs: gs}

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show application version",
		Long:  `Show the application version and exit.`,
		Args:  cobra.NoArgs,
		RunE:  c.run,
	}
	cmd.Flags().BoolVar(&c.isJSON, "json", false, "if set, output version information will be in JSON format")
	return cmd
}
