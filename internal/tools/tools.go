package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	xerrors "AgentVault/internal/errors"
)

// Request 描述一次工具调用。
type Request struct {
	Capability string
	AgentID    string
	Operation  string
	Params     map[string]any
	Hints      map[string]string
}

// Response 是一次工具调用的产出。Units 用于按单位计费的结算。
type Response struct {
	Payload map[string]any
	Units   int64
}

// Invoker 是一个能力家族的执行入口。家族集合是封闭的：
// 每个家族一个实现，通过统一接口分发，不做开放式反射。
type Invoker interface {
	Family() string
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ErrUnknownFamily 表示没有注册对应家族的执行器。
var ErrUnknownFamily = xerrors.New(CodeUnknownFamily, "unknown tool family")

// CodeUnknownFamily 标识分发失败。
const CodeUnknownFamily xerrors.Code = "UNKNOWN_TOOL_FAMILY"

func init() {
	xerrors.Register(CodeUnknownFamily, xerrors.Attributes{
		Message:   "unknown tool family",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Dispatcher 将能力家族映射到具体执行器。
type Dispatcher struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewDispatcher 创建分发器并注册初始执行器。
func NewDispatcher(invokers ...Invoker) (*Dispatcher, error) {
	d := &Dispatcher{invokers: make(map[string]Invoker, len(invokers))}
	for _, invoker := range invokers {
		if err := d.Register(invoker); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Register 注册一个家族执行器，重复注册返回冲突。
func (d *Dispatcher) Register(invoker Invoker) error {
	if invoker == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "invoker 不能为空")
	}
	family := strings.ToLower(strings.TrimSpace(invoker.Family()))
	if family == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "tool family 不能为空")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.invokers[family]; ok {
		return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("tool family %s 已注册", family))
	}
	d.invokers[family] = invoker
	return nil
}

// Resolve 返回家族对应的执行器。
func (d *Dispatcher) Resolve(family string) (Invoker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	invoker, ok := d.invokers[strings.ToLower(strings.TrimSpace(family))]
	if !ok {
		return nil, ErrUnknownFamily
	}
	return invoker, nil
}

// EchoInvoker 原样返回请求参数，用于联调与测试。
type EchoInvoker struct{}

// Family 返回家族标识。
func (EchoInvoker) Family() string { return "echo" }

// Invoke 回显参数，产出单位为消息长度。
func (EchoInvoker) Invoke(_ context.Context, req Request) (*Response, error) {
	message, _ := req.Params["message"].(string)
	payload := map[string]any{"message": message}
	for k, v := range req.Hints {
		payload["hint_"+k] = v
	}
	return &Response{Payload: payload, Units: int64(len(message))}, nil
}

var _ Invoker = (*EchoInvoker)(nil)
