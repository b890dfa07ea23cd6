package signal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Provider 定义市场信号检索的通用接口。信号只作为执行提示，
// 不参与授权与计费判定。
type Provider interface {
	Recent(topic string) []Hint
}

// Hint 描述一条可注入工具调用的市场信号。
type Hint struct {
	Topic    string   `json:"topic"`
	Summary  string   `json:"summary"`
	Keywords []string `json:"keywords"`
	Weight   float64  `json:"weight"`
}

// StaticProvider 通过加载 JSON 文件提供静态信号检索能力。
type StaticProvider struct {
	items      []Hint
	maxResults int
}

// NewStaticProvider 创建静态信号源实例。
func NewStaticProvider(items []Hint, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载信号条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("信号文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析信号文件路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取信号文件失败: %w", err)
	}
	defer file.Close()

	var entries []Hint
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, fmt.Errorf("解析信号文件失败: %w", err)
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Recent 返回与主题匹配的信号，按文件顺序截断到 maxResults。
func (p *StaticProvider) Recent(topic string) []Hint {
	if p == nil {
		return nil
	}

	topic = strings.ToLower(strings.TrimSpace(topic))

	results := make([]Hint, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, topic) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(hint Hint, topic string) bool {
	if topic == "" {
		return true
	}
	if strings.Contains(strings.ToLower(hint.Topic), topic) {
		return true
	}
	for _, keyword := range hint.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(topic, normalized) || strings.Contains(normalized, topic) {
			return true
		}
	}
	return false
}

// Ensure StaticProvider 实现 Provider 接口。
var _ Provider = (*StaticProvider)(nil)
