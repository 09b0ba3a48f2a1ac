package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"genctl/internal/app"
	"genctl/internal/client"
	"genctl/internal/config"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	logFile     string
	cfgPath     string
	showVersion bool
)

var rootCmd = &cobra.Command{
	Use:   "genctl [job_file_or_dir ...]",
	Short: "提交图片生成任务并管理 LoRA 权重",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			printVersion(cmd.OutOrStdout())
			return nil
		}
		if len(args) == 0 {
			return cmd.Help()
		}
		opts := genOptions()
		opts.Inputs = args
		return app.RunGen(cmd.Context(), opts)
	},
}

const (
	exitGeneral     = 1
	exitAuth        = 2
	exitJobFailed   = 3
	exitTimeout     = 4
	exitInterrupted = 130
)

func exitCode(err error) int {
	var jf *client.JobFailedError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, client.ErrUnauthorized), errors.Is(err, config.ErrAPIKeyNotConfigured):
		return exitAuth
	case errors.As(err, &jf):
		return exitJobFailed
	case errors.Is(err, client.ErrPollTimeout):
		return exitTimeout
	default:
		return exitGeneral
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		code := exitCode(err)
		if code != exitInterrupted {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
	}
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "输出 NDJSON 详细日志")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "日志文件路径")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "配置文件路径（默认 ~/.genctl/config.yaml）")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "显示版本信息")
	addGenFlags(rootCmd)

	rootCmd.AddCommand(genCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(setCmd)
}
