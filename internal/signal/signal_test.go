package signal

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleHints() []Hint {
	return []Hint{
		{Topic: "chainquery", Summary: "gas price low", Keywords: []string{"chain", "gas"}},
		{Topic: "chainquery", Summary: "rpc latency elevated", Keywords: []string{"chain"}},
		{Topic: "echo", Summary: "debug env ready", Keywords: []string{"debug"}},
	}
}

func TestRecentMatchesTopic(t *testing.T) {
	provider := NewStaticProvider(sampleHints(), 5)

	hints := provider.Recent("chainquery")
	if len(hints) != 2 {
		t.Fatalf("chainquery 主题应命中 2 条，实际 %d", len(hints))
	}

	hints = provider.Recent("echo")
	if len(hints) != 1 || hints[0].Summary != "debug env ready" {
		t.Fatalf("echo 主题命中不符: %+v", hints)
	}

	// 空主题返回全部（截断到上限）。
	hints = provider.Recent("")
	if len(hints) != 3 {
		t.Fatalf("空主题应返回全部 3 条，实际 %d", len(hints))
	}
}

func TestRecentHonorsMaxResults(t *testing.T) {
	provider := NewStaticProvider(sampleHints(), 1)
	if hints := provider.Recent("chainquery"); len(hints) != 1 {
		t.Fatalf("结果数应被截断为 1，实际 %d", len(hints))
	}
}

func TestLoadStaticProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signals.json")
	content := `[{"topic":"chainquery","summary":"ok","keywords":["chain"],"weight":0.5}]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入测试文件失败: %v", err)
	}

	provider, err := LoadStaticProvider(path, 3)
	if err != nil {
		t.Fatalf("加载信号文件失败: %v", err)
	}
	hints := provider.Recent("chainquery")
	if len(hints) != 1 || hints[0].Weight != 0.5 {
		t.Fatalf("加载的信号不符: %+v", hints)
	}
}

func TestLoadStaticProviderMissingFile(t *testing.T) {
	if _, err := LoadStaticProvider(filepath.Join(t.TempDir(), "missing.json"), 3); err == nil {
		t.Fatal("缺失文件应报错")
	}
}
