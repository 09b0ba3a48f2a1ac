package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newComfyEnv(t *testing.T) string {
	t.Helper()
	isolateHome(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/object_info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"LoraLoader":{"output":["MODEL","CLIP"]},"UnetLoaderGGUF":{"output":["MODEL"]},"KSampler":{}}`))
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"system":{"os":"posix"}}`))
	})
	mux.HandleFunc("/history/p1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p1":{"outputs":{}}}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Setenv("COMFY_HOST", strings.TrimPrefix(srv.URL, "http://"))
	return srv.URL
}

func TestRunNodes(t *testing.T) {
	newComfyEnv(t)
	var out bytes.Buffer
	dump := filepath.Join(t.TempDir(), "nodes.json")
	err := RunNodes(context.Background(), NodesOptions{InspectOptions: InspectOptions{Stdout: &out}, Pattern: "loader", Dump: dump})
	if err != nil {
		t.Fatalf("RunNodes error: %v", err)
	}
	s := out.String()
	for _, want := range []string{"节点：2", " - LoraLoader\n", " - UnetLoaderGGUF\n", "LoraLoader: EXISTS", "FluxLoraLoader: MISSING", "已写入"} {
		if !strings.Contains(s, want) {
			t.Fatalf("output missing %q:\n%s", want, s)
		}
	}
	b, err := os.ReadFile(dump)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "UnetLoaderGGUF") || strings.Contains(string(b), "KSampler") {
		t.Fatalf("unexpected dump: %s", b)
	}
}

func TestRunStatsAndHistory(t *testing.T) {
	base := newComfyEnv(t)
	var out bytes.Buffer
	if err := RunStats(context.Background(), InspectOptions{Stdout: &out}); err != nil {
		t.Fatalf("RunStats error: %v", err)
	}
	if !strings.Contains(out.String(), base) || !strings.Contains(out.String(), "posix") {
		t.Fatalf("unexpected stats output: %s", out.String())
	}

	p := filepath.Join(t.TempDir(), "history_dump.json")
	out.Reset()
	if err := RunHistory(context.Background(), HistoryOptions{InspectOptions: InspectOptions{Stdout: &out}, PromptID: "p1", Output: p}); err != nil {
		t.Fatalf("RunHistory error: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil || !strings.Contains(string(b), "\"p1\"") {
		t.Fatalf("history=%s err=%v", b, err)
	}
	if err := RunHistory(context.Background(), HistoryOptions{PromptID: "nope", Output: p}); err == nil {
		t.Fatal("expected 404 error")
	}
}

func TestRunStats_Unreachable(t *testing.T) {
	isolateHome(t)
	t.Setenv("COMFY_HOST", "127.0.0.1:1")
	err := RunStats(context.Background(), InspectOptions{Stdout: &bytes.Buffer{}})
	if err == nil || !strings.Contains(err.Error(), "http://127.0.0.1:1") {
		t.Fatalf("err=%v", err)
	}
}
