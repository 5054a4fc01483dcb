package transport

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// CyberPower 串口控制台协议（PDU44001 实测）:
// - 登录名/密码的提交键是空格 (0x20)，不是回车
// - \n 是 CLI 命令终止符
// - 认证处理需要 15-20 秒（"Please wait for authentication...."）
const (
	serialPrompt         = "CyberPower >"
	serialLoginPrompt    = "Login Name :"
	serialPasswordPrompt = "Login Password :"

	serialReadTimeout = 5 * time.Second
	serialAuthTimeout = 30 * time.Second
)

// SerialClient 串口控制台会话。会话独占，所有命令经单一命令门串行。
type SerialClient struct {
	port     string
	baud     int
	username string
	password string

	mu       sync.Mutex // 命令门
	conn     serial.Port
	loggedIn bool
}

// NewSerialClient 创建串口客户端
func NewSerialClient(port string, baud int, username, password string) *SerialClient {
	if baud <= 0 {
		baud = 9600
	}
	return &SerialClient{port: port, baud: baud, username: username, password: password}
}

// Port 串口路径
func (c *SerialClient) Port() string { return c.port }

// Connect 打开串口并完成登录
func (c *SerialClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *SerialClient) connectLocked() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.loggedIn = false

	conn, err := serial.Open(c.port, &serial.Mode{BaudRate: c.baud})
	if err != nil {
		return NewError(KindUnreachable, fmt.Sprintf("open serial %s", c.port), err)
	}
	conn.SetReadTimeout(100 * time.Millisecond)
	c.conn = conn
	log.Printf("Serial: opened %s at %d baud", c.port, c.baud)

	return c.loginLocked()
}

func (c *SerialClient) loginLocked() error {
	// 发送换行探测当前状态（\r 会被当作普通输入字符）
	c.conn.Write([]byte("\n"))
	time.Sleep(500 * time.Millisecond)

	resp := c.readUntilAny([]string{serialPrompt, serialLoginPrompt, serialPasswordPrompt}, serialReadTimeout)

	// 未出现登录提示时发送已知命令触发
	if !containsAny(resp, serialPrompt, serialLoginPrompt, serialPasswordPrompt) {
		c.conn.Write([]byte("sys show\n"))
		resp = c.readUntilAny([]string{serialPrompt, serialLoginPrompt, serialPasswordPrompt}, serialAuthTimeout)
	}

	if strings.Contains(resp, serialPrompt) {
		c.loggedIn = true
		log.Println("Serial: already at CLI prompt")
		return nil
	}

	if strings.Contains(resp, serialLoginPrompt) {
		// 用户名以空格提交
		c.conn.Write([]byte(c.username + " "))
		resp = c.readUntilAny([]string{serialPasswordPrompt, serialPrompt}, serialAuthTimeout)
	}

	if strings.Contains(resp, serialPasswordPrompt) {
		// 密码以空格提交
		c.conn.Write([]byte(c.password + " "))
		resp = c.readUntilAny([]string{serialPrompt, "Login Failed", "Login incorrect", "Please wait", serialLoginPrompt}, serialAuthTimeout)

		if strings.Contains(resp, "Please wait") && !strings.Contains(resp, serialPrompt) {
			resp += c.readUntilAny([]string{serialPrompt, "Login Failed", "Login incorrect", serialLoginPrompt}, serialAuthTimeout)
		}
		if containsAny(resp, "Login Failed", "Login incorrect") || strings.Contains(resp, serialLoginPrompt) {
			return NewError(KindAuthentication, "serial login failed", nil)
		}
	}

	if !strings.Contains(resp, serialPrompt) {
		return NewError(KindParse, "unexpected response after login", nil)
	}
	c.loggedIn = true
	log.Printf("Serial: logged in as %s", c.username)
	return nil
}

// readUntilAny 读取直到出现任一标记或超时
func (c *SerialClient) readUntilAny(markers []string, timeout time.Duration) string {
	var buf []byte
	chunk := make([]byte, 256)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			text := string(buf)
			for _, m := range markers {
				if strings.Contains(text, m) {
					return text
				}
			}
		}
		if err != nil {
			break
		}
	}
	return string(buf)
}

// Execute 发送 CLI 命令并返回文本响应。命令门保证同一时刻
// 只有一个命令在会话上执行。
func (c *SerialClient) Execute(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", NewError(KindTimeout, "command budget exhausted", err)
	}
	if c.conn == nil || !c.loggedIn {
		if err := c.connectLocked(); err != nil {
			return "", err
		}
	}

	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		c.loggedIn = false
		return "", NewError(KindUnreachable, "serial write", err)
	}

	resp := c.readUntilAny([]string{serialPrompt, serialLoginPrompt}, serialReadTimeout)
	if strings.Contains(resp, serialLoginPrompt) {
		// 会话被设备端注销，重登录后重试一次
		c.loggedIn = false
		if err := c.loginLocked(); err != nil {
			return "", err
		}
		if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
			return "", NewError(KindUnreachable, "serial write", err)
		}
		resp = c.readUntilAny([]string{serialPrompt}, serialReadTimeout)
	}
	if !strings.Contains(resp, serialPrompt) {
		return "", NewError(KindTimeout, fmt.Sprintf("no prompt after %q", command), nil)
	}
	return resp, nil
}

// ExecuteInteractive 发送命令后按序响应子提示（改密码等交互流程）
func (c *SerialClient) ExecuteInteractive(ctx context.Context, command string, steps []InteractiveStep) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", NewError(KindTimeout, "command budget exhausted", err)
	}
	if c.conn == nil || !c.loggedIn {
		if err := c.connectLocked(); err != nil {
			return "", err
		}
	}

	if _, err := c.conn.Write([]byte(command + "\n")); err != nil {
		c.loggedIn = false
		return "", NewError(KindUnreachable, "serial write", err)
	}

	var full strings.Builder
	for _, step := range steps {
		resp := c.readUntilAny([]string{step.Expect, serialPrompt}, serialReadTimeout)
		full.WriteString(resp)
		if !strings.Contains(resp, step.Expect) {
			return full.String(), NewError(KindParse, fmt.Sprintf("expected %q", step.Expect), nil)
		}
		if _, err := c.conn.Write([]byte(step.Send)); err != nil {
			return full.String(), NewError(KindUnreachable, "serial write", err)
		}
	}

	resp := c.readUntilAny([]string{serialPrompt}, serialAuthTimeout)
	full.WriteString(resp)
	return full.String(), nil
}

// InteractiveStep 交互流程的一步: 等到 Expect 后发送 Send
type InteractiveStep struct {
	Expect string
	Send   string
}

// Close 关闭串口
func (c *SerialClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggedIn = false
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
