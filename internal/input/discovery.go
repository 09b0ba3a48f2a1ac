package input

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type LoRA struct {
	URL    string  `yaml:"url"`
	Name   string  `yaml:"name,omitempty"`
	Weight float64 `yaml:"weight,omitempty"`
}

// JobFile is one generation job described in YAML.
type JobFile struct {
	Path            string   `yaml:"-"`
	Prompt          string   `yaml:"prompt"`
	Negative        string   `yaml:"negative,omitempty"`
	Steps           int      `yaml:"steps,omitempty"`
	Width           int      `yaml:"width,omitempty"`
	Height          int      `yaml:"height,omitempty"`
	Seed            int64    `yaml:"seed,omitempty"`
	LoRAs           []LoRA   `yaml:"loras,omitempty"`
	ReferenceImages []string `yaml:"reference_images,omitempty"`
}

// Discover collects *.yaml and *.yml job files from files and directories,
// sorted by path with duplicates removed, and parses each one.
func Discover(inputs []string) ([]JobFile, error) {
	seen := map[string]struct{}{}
	var paths []string
	add := func(p string) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(in)
			continue
		}
		err = filepath.WalkDir(in, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isJobFile(path) {
				return nil
			}
			add(path)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("未发现任务文件（*.yaml / *.yml）")
	}
	sort.Strings(paths)

	out := make([]JobFile, 0, len(paths))
	for _, p := range paths {
		jf, err := Load(p)
		if err != nil {
			return nil, err
		}
		out = append(out, jf)
	}
	return out, nil
}

func isJobFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func Load(path string) (JobFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return JobFile{}, err
	}
	var jf JobFile
	if err := yaml.Unmarshal(b, &jf); err != nil {
		return JobFile{}, fmt.Errorf("解析任务文件失败（%s）: %w", path, err)
	}
	jf.Path = path
	if err := jf.Validate(); err != nil {
		return JobFile{}, fmt.Errorf("任务文件无效（%s）: %w", path, err)
	}
	return jf, nil
}

func (j JobFile) Validate() error {
	if strings.TrimSpace(j.Prompt) == "" {
		return fmt.Errorf("prompt 不能为空")
	}
	if j.Steps < 0 || j.Width < 0 || j.Height < 0 {
		return fmt.Errorf("steps/width/height 不能为负数")
	}
	for i, l := range j.LoRAs {
		if strings.TrimSpace(l.URL) == "" {
			return fmt.Errorf("loras[%d].url 不能为空", i)
		}
	}
	return nil
}

// LoRAURLs returns the LoRA URLs in file order.
func (j JobFile) LoRAURLs() []string {
	out := make([]string, 0, len(j.LoRAs))
	for _, l := range j.LoRAs {
		out = append(out, strings.TrimSpace(l.URL))
	}
	return out
}
