package cmd

import (
	"fmt"

	"genctl/internal/app"
	"github.com/spf13/cobra"
)

var setCmd = &cobra.Command{
	Use:   "set",
	Short: "设置配置",
}

var setKeyCmd = &cobra.Command{
	Use:   "key <api_key>",
	Short: "设置 GENCTL_API_KEY（写入 ~/.genctl/.env）",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := app.RunSetKey(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "KEY 已保存")
		return nil
	},
}

func init() {
	setCmd.AddCommand(setKeyCmd)
}
