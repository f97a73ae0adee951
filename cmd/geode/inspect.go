package main

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/geode-project/geode/internal/protocol"
)

var messagesFile string

var messagesCmd = &cobra.Command{
	Use:   "messages [filter]",
	Short: "Print the message table",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(messagesFile)
		if err != nil {
			return err
		}
		filter := ""
		if len(args) == 1 {
			filter = strings.ToLower(args[0])
		}

		tw := tablewriter.NewWriter(cmd.OutOrStdout())
		tw.SetHeader([]string{"Message", "Fields", "Flash", "Shockwave", "Response"})
		tw.SetAutoWrapText(false)
		for _, def := range reg.Definitions() {
			if filter != "" && !strings.Contains(strings.ToLower(def.Identity.Name), filter) {
				continue
			}
			fields := make([]string, 0, len(def.Fields))
			for _, f := range def.Fields {
				fields = append(fields, f.String())
			}
			row := []string{def.Identity.String(), strings.Join(fields, ",")}
			for _, v := range protocol.Variants() {
				id, ok := def.WireIDs[v]
				if !ok {
					row = append(row, "-")
					continue
				}
				row = append(row, strconv.Itoa(int(id)))
			}
			tw.Append(append(row, def.Response))
		}
		tw.Render()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s %s/%s)\n", AppName, AppVersion, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	messagesCmd.Flags().StringVar(&messagesFile, "file", "", "message table file (default: built-in table)")
	rootCmd.AddCommand(messagesCmd, versionCmd)
}
