// Package inspect reads the node catalog, system stats and prompt history of
// the node-graph server behind the job server. All calls are read-only GETs.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	objectInfoTimeout = 15 * time.Second
	statsTimeout      = 5 * time.Second
	historyTimeout    = 10 * time.Second

	maxBody = 64 << 20
)

// LoaderNodes are the LoRA loader node types worth checking for on a new
// deployment.
var LoaderNodes = []string{"LoraLoaderGGUF", "FluxLoraLoader", "LoraLoader", "LoraLoaderModelOnly"}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client for baseURL. httpClient may be nil.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// ObjectInfo returns the node catalog keyed by node type name.
func (c *Client) ObjectInfo(ctx context.Context) (map[string]json.RawMessage, error) {
	b, err := c.get(ctx, "/object_info", objectInfoTimeout)
	if err != nil {
		return nil, err
	}
	nodes := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &nodes); err != nil {
		return nil, fmt.Errorf("解析 object_info 失败: %w", err)
	}
	return nodes, nil
}

func (c *Client) SystemStats(ctx context.Context) (json.RawMessage, error) {
	b, err := c.get(ctx, "/system_stats", statsTimeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("system_stats 不是合法 JSON")
	}
	return json.RawMessage(b), nil
}

func (c *Client) History(ctx context.Context, promptID string) (json.RawMessage, error) {
	promptID = strings.TrimSpace(promptID)
	if promptID == "" {
		return nil, fmt.Errorf("prompt_id 不能为空")
	}
	b, err := c.get(ctx, "/history/"+url.PathEscape(promptID), historyTimeout)
	if err != nil {
		return nil, err
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("history 不是合法 JSON")
	}
	return json.RawMessage(b), nil
}

func (c *Client) get(ctx context.Context, p string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+p, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", p, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("读取 %s 响应失败: %w", p, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("请求 %s 失败: %s", p, resp.Status)
	}
	return b, nil
}

// MatchNodes returns the sorted node names containing pattern, ignoring case.
// An empty pattern matches every node.
func MatchNodes(nodes map[string]json.RawMessage, pattern string) []string {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	out := make([]string, 0, len(nodes))
	for name := range nodes {
		if strings.Contains(strings.ToLower(name), pattern) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Subset picks the named entries out of the catalog.
func Subset(nodes map[string]json.RawMessage, names []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(names))
	for _, n := range names {
		if v, ok := nodes[n]; ok {
			out[n] = v
		}
	}
	return out
}

type NodeCheck struct {
	Name    string `json:"name"`
	Present bool   `json:"present"`
}

// CheckNodes reports, in the given order, whether each exact node name is in
// the catalog.
func CheckNodes(nodes map[string]json.RawMessage, names []string) []NodeCheck {
	out := make([]NodeCheck, 0, len(names))
	for _, n := range names {
		_, ok := nodes[n]
		out = append(out, NodeCheck{Name: n, Present: ok})
	}
	return out
}

// WriteJSON writes v indented to path, creating parent directories.
func WriteJSON(path string, v any) error {
	var b []byte
	var err error
	if raw, ok := v.(json.RawMessage); ok {
		var tmp any
		if err := json.Unmarshal(raw, &tmp); err != nil {
			return err
		}
		v = tmp
	}
	b, err = json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建目录失败: %w", err)
		}
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", path, err)
	}
	return nil
}

// DumpName is the file a node pattern dump is written to by default.
func DumpName(pattern string) string {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		p = "all"
	}
	p = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, p)
	return "nodes_info_" + p + ".json"
}
