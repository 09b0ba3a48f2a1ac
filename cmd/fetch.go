package cmd

import (
	"os"

	"genctl/internal/app"
	"github.com/spf13/cobra"
)

var (
	fetchDir         string
	fetchMetricsFile string
	fetchNoProgress  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> [url ...]",
	Short: "下载 LoRA 权重到本地目录（已存在则跳过）",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.FetchOptions{
			Verbose:     verbose,
			LogFile:     logFile,
			ConfigPath:  cfgPath,
			URLs:        args,
			Dir:         fetchDir,
			MetricsFile: fetchMetricsFile,
			Stdout:      cmd.OutOrStdout(),
		}
		if !fetchNoProgress && !verbose {
			opts.Progress = os.Stderr
		}
		return app.RunFetch(cmd.Context(), opts)
	},
}

func init() {
	fetchCmd.Flags().StringVarP(&fetchDir, "dir", "d", "", "目标目录（默认配置中的 fetch.lora_dir）")
	fetchCmd.Flags().StringVar(&fetchMetricsFile, "metrics-file", "", "Prometheus textfile 输出路径")
	fetchCmd.Flags().BoolVar(&fetchNoProgress, "no-progress", false, "不显示下载进度条")
}
