package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"sqlassist/internal/llm"
)

// Client 通过调用外部可执行程序完成推理，便于接入本地模型或脚本。
// 请求以 JSON 写入标准输入，标准输出可以是 {"content": "..."} 或纯文本。
type Client struct {
	executable string
	args       []string
	workingDir string
}

// NewClient 创建命令行客户端。
func NewClient(executable string, args []string, workingDir string) (*Client, error) {
	executable = strings.TrimSpace(executable)
	if executable == "" {
		return nil, fmt.Errorf("未指定推理程序路径")
	}
	return &Client{
		executable: executable,
		args:       append([]string(nil), args...),
		workingDir: workingDir,
	}, nil
}

type commandRequest struct {
	System    string        `json:"system"`
	Messages  []llm.Message `json:"messages"`
	Timestamp int64         `json:"timestamp"`
}

type commandResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Generate 执行外部程序并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(commandRequest{
		System:    req.System,
		Messages:  req.Messages,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.executable, c.args...)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("执行推理程序失败: %w, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	return decodeOutput(stdout.Bytes()), nil
}

func decodeOutput(out []byte) *llm.Response {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var resp commandResponse
		if err := json.Unmarshal(trimmed, &resp); err == nil && resp.Content != "" {
			return &llm.Response{Content: resp.Content, Model: resp.Model}
		}
	}
	return &llm.Response{Content: string(trimmed)}
}

// ResolvePath 根据配置文件所在目录推导程序的绝对路径。
// 不含路径分隔符的名称交给 PATH 查找。
func ResolvePath(baseDir, executable string) string {
	if executable == "" || filepath.IsAbs(executable) || baseDir == "" {
		return executable
	}
	if !strings.ContainsRune(executable, filepath.Separator) {
		return executable
	}
	return filepath.Join(baseDir, executable)
}

var _ llm.Client = (*Client)(nil)
