package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"genctl/internal/fetch"
	"genctl/internal/jobtest"
)

func TestRunFetch_PrintsResults(t *testing.T) {
	r := newRig(t, jobtest.Options{}, 3)
	dir := filepath.Join(r.home, "custom")
	var out bytes.Buffer
	good := r.assets.URL + "/models/style.safetensors"

	err := RunFetch(context.Background(), FetchOptions{
		ConfigPath: r.cfgPath,
		URLs:       []string{good, " ", r.assets.URL + "/models/missing.ckpt"},
		Dir:        dir,
		Stdout:     &out,
	})
	if !errors.Is(err, errFetchFailed) {
		t.Fatalf("err=%v want errFetchFailed", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d: %s", len(lines), out.String())
	}
	var ok, bad fetch.Result
	if err := json.Unmarshal([]byte(lines[0]), &ok); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &bad); err != nil {
		t.Fatal(err)
	}
	if !ok.Success || ok.Message != fetch.MessageDownloaded || ok.Path != filepath.Join(dir, "style.safetensors") {
		t.Fatalf("unexpected ok result: %+v", ok)
	}
	if bad.Success || !strings.Contains(bad.Error, "404") {
		t.Fatalf("unexpected failed result: %+v", bad)
	}
	if _, err := os.Stat(filepath.Join(dir, "missing.ckpt")); !os.IsNotExist(err) {
		t.Fatal("failed fetch must not leave a file")
	}

	out.Reset()
	if err := RunFetch(context.Background(), FetchOptions{ConfigPath: r.cfgPath, URLs: []string{good}, Dir: dir, Stdout: &out}); err != nil {
		t.Fatalf("second fetch error: %v", err)
	}
	if !strings.Contains(out.String(), `"message":"already exists"`) {
		t.Fatalf("unexpected output: %s", out.String())
	}
	prom, err := os.ReadFile(r.metrics)
	if err != nil || !strings.Contains(string(prom), `genctl_asset_fetch_total{outcome="cached"} 1`) {
		t.Fatalf("metrics=%s err=%v", prom, err)
	}
}

func TestRunFetch_DefaultDirAndValidation(t *testing.T) {
	r := newRig(t, jobtest.Options{}, 3)
	if err := RunFetch(context.Background(), FetchOptions{ConfigPath: r.cfgPath, URLs: []string{"  "}}); err == nil {
		t.Fatal("expected missing url error")
	}

	var out bytes.Buffer
	if err := RunFetch(context.Background(), FetchOptions{ConfigPath: r.cfgPath, URLs: []string{r.assets.URL + "/dl"}, Stdout: &out}); err != nil {
		t.Fatalf("RunFetch error: %v", err)
	}
	name := fetch.FallbackName(r.assets.URL + "/dl")
	if _, err := os.Stat(filepath.Join(r.loraDir, name)); err != nil {
		t.Fatalf("expected %s in configured dir: %v", name, err)
	}
}
