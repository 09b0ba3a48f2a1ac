package cmd

import (
	"genctl/internal/app"
	"github.com/spf13/cobra"
)

var (
	nodesDump     string
	historyOutput string
)

var nodesCmd = &cobra.Command{
	Use:   "nodes [pattern]",
	Short: "列出节点服务器上匹配的节点并检查 LoRA 加载节点",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		return app.RunNodes(cmd.Context(), app.NodesOptions{
			InspectOptions: inspectOptions(cmd),
			Pattern:        pattern,
			Dump:           nodesDump,
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "检查节点服务器连通性并输出 system_stats",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunStats(cmd.Context(), inspectOptions(cmd))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <prompt_id>",
	Short: "导出节点服务器上某个 prompt 的历史记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return app.RunHistory(cmd.Context(), app.HistoryOptions{
			InspectOptions: inspectOptions(cmd),
			PromptID:       args[0],
			Output:         historyOutput,
		})
	},
}

func inspectOptions(cmd *cobra.Command) app.InspectOptions {
	return app.InspectOptions{ConfigPath: cfgPath, Stdout: cmd.OutOrStdout()}
}

func init() {
	nodesCmd.Flags().StringVar(&nodesDump, "dump", "", "把匹配节点的定义写入 JSON 文件（- 表示 nodes_info_<pattern>.json）")
	nodesCmd.Flags().Lookup("dump").NoOptDefVal = "-"
	historyCmd.Flags().StringVarP(&historyOutput, "output", "o", "history_dump.json", "输出文件")
}
