package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"genctl/internal/inspect"
)

type InspectOptions struct {
	ConfigPath string
	Stdout     io.Writer
}

type NodesOptions struct {
	InspectOptions
	Pattern string
	// Dump writes the matching node definitions to this file; "-" picks
	// nodes_info_<pattern>.json.
	Dump string
}

type HistoryOptions struct {
	InspectOptions
	PromptID string
	Output   string
}

const defaultHistoryDump = "history_dump.json"

func newInspector(opts InspectOptions) (*inspect.Client, io.Writer, error) {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}
	return inspect.New(cfg.Comfy.URL(), nil), out, nil
}

// RunNodes lists the catalog nodes matching a pattern and reports which of
// the known LoRA loader nodes are installed.
func RunNodes(ctx context.Context, opts NodesOptions) error {
	c, out, err := newInspector(opts.InspectOptions)
	if err != nil {
		return err
	}
	nodes, err := c.ObjectInfo(ctx)
	if err != nil {
		return err
	}
	matches := inspect.MatchNodes(nodes, opts.Pattern)
	fmt.Fprintf(out, "匹配 %q 的节点：%d\n", opts.Pattern, len(matches))
	for _, n := range matches {
		fmt.Fprintf(out, " - %s\n", n)
	}
	fmt.Fprintln(out, "\nLoRA 加载节点：")
	for _, ch := range inspect.CheckNodes(nodes, inspect.LoaderNodes) {
		state := "MISSING"
		if ch.Present {
			state = "EXISTS"
		}
		fmt.Fprintf(out, " - %s: %s\n", ch.Name, state)
	}

	dump := strings.TrimSpace(opts.Dump)
	if dump == "" {
		return nil
	}
	if dump == "-" {
		dump = inspect.DumpName(opts.Pattern)
	}
	if err := inspect.WriteJSON(dump, inspect.Subset(nodes, matches)); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n已写入：%s\n", mustAbsPath(dump))
	return nil
}

func RunStats(ctx context.Context, opts InspectOptions) error {
	c, out, err := newInspector(opts)
	if err != nil {
		return err
	}
	stats, err := c.SystemStats(ctx)
	if err != nil {
		return fmt.Errorf("连接 %s 失败: %w", c.BaseURL(), err)
	}
	fmt.Fprintf(out, "已连接 %s\n%s\n", c.BaseURL(), string(stats))
	return nil
}

func RunHistory(ctx context.Context, opts HistoryOptions) error {
	c, out, err := newInspector(opts.InspectOptions)
	if err != nil {
		return err
	}
	h, err := c.History(ctx, opts.PromptID)
	if err != nil {
		return err
	}
	path := firstNonEmpty(opts.Output, defaultHistoryDump)
	if err := inspect.WriteJSON(path, h); err != nil {
		return err
	}
	fmt.Fprintf(out, "历史已写入：%s\n", mustAbsPath(path))
	return nil
}
