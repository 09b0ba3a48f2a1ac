package cmd

import (
	"os"
	"strings"
	"time"

	"genctl/internal/app"
	"github.com/spf13/cobra"
)

var genFlags struct {
	prompt         string
	negative       string
	steps          int
	width          int
	height         int
	seed           int64
	loras          []string
	outDir         string
	thumbnail      bool
	maxAttempts    int
	pollInterval   time.Duration
	retryTransient bool
	metricsFile    string
	quietProgress  bool
}

var genCmd = &cobra.Command{
	Use:   "gen [job_file_or_dir ...]",
	Short: "准备 LoRA，提交生成任务并等待结果",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && strings.TrimSpace(genFlags.prompt) == "" {
			return cmd.Help()
		}
		opts := genOptions()
		opts.Inputs = args
		return app.RunGen(cmd.Context(), opts)
	},
}

func genOptions() app.GenOptions {
	opts := app.GenOptions{
		Verbose:        verbose,
		LogFile:        logFile,
		ConfigPath:     cfgPath,
		OutputDir:      genFlags.outDir,
		Thumbnail:      genFlags.thumbnail,
		Prompt:         genFlags.prompt,
		Negative:       genFlags.negative,
		Steps:          genFlags.steps,
		Width:          genFlags.width,
		Height:         genFlags.height,
		Seed:           genFlags.seed,
		LoRAs:          genFlags.loras,
		PollInterval:   genFlags.pollInterval,
		MaxAttempts:    genFlags.maxAttempts,
		RetryTransient: genFlags.retryTransient,
		MetricsFile:    genFlags.metricsFile,
	}
	if !genFlags.quietProgress && !verbose {
		opts.Progress = os.Stderr
	}
	return opts
}

func addGenFlags(c *cobra.Command) {
	f := c.Flags()
	f.StringVarP(&genFlags.prompt, "prompt", "p", "", "提示词")
	f.StringVar(&genFlags.negative, "negative", "", "反向提示词")
	f.IntVar(&genFlags.steps, "steps", 0, "采样步数（0 为服务端默认）")
	f.IntVar(&genFlags.width, "width", 0, "宽度")
	f.IntVar(&genFlags.height, "height", 0, "高度")
	f.Int64Var(&genFlags.seed, "seed", 0, "随机种子（0 为服务端随机）")
	f.StringArrayVar(&genFlags.loras, "lora", nil, "LoRA 下载地址，可重复")
	f.StringVarP(&genFlags.outDir, "out", "o", "", "下载生成结果到该目录")
	f.BoolVar(&genFlags.thumbnail, "thumbnail", false, "同时生成缩略图")
	f.IntVar(&genFlags.maxAttempts, "max-attempts", 0, "最多查询状态次数（覆盖配置）")
	f.DurationVar(&genFlags.pollInterval, "poll-interval", 0, "状态查询间隔（覆盖配置）")
	f.BoolVar(&genFlags.retryTransient, "retry-transient", false, "状态查询遇到临时错误时继续轮询")
	f.StringVar(&genFlags.metricsFile, "metrics-file", "", "Prometheus textfile 输出路径")
	f.BoolVar(&genFlags.quietProgress, "no-progress", false, "不显示下载进度条")
}

func init() {
	addGenFlags(genCmd)
}
