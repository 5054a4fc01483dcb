package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// LevelNames 级别名称映射
var LevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

// ParseLevel 解析日志级别
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// StructuredLogger 结构化日志
type StructuredLogger struct {
	level      LogLevel
	module     string
	jsonOutput bool
	logger     *log.Logger
}

// NewStructuredLogger 创建结构化日志
func NewStructuredLogger(level LogLevel, module string, jsonOutput bool) *StructuredLogger {
	return &StructuredLogger{
		level:      level,
		module:     module,
		jsonOutput: jsonOutput,
		logger:     log.New(os.Stdout, "", 0),
	}
}

// WithModule 创建带模块名的日志
func (l *StructuredLogger) WithModule(module string) *StructuredLogger {
	return &StructuredLogger{
		level:      l.level,
		module:     module,
		jsonOutput: l.jsonOutput,
		logger:     l.logger,
	}
}

// Debug 调试日志
func (l *StructuredLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log(DEBUG, msg, keysAndValues...)
}

// Info 信息日志
func (l *StructuredLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log(INFO, msg, keysAndValues...)
}

// Warn 警告日志
func (l *StructuredLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log(WARN, msg, keysAndValues...)
}

// Error 错误日志
func (l *StructuredLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log(ERROR, msg, keysAndValues...)
}

// Fatal 致命错误日志（退出进程）
func (l *StructuredLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.log(FATAL, msg, keysAndValues...)
	os.Exit(1)
}

func (l *StructuredLogger) log(level LogLevel, msg string, keysAndValues ...interface{}) {
	if level < l.level {
		return
	}

	if l.jsonOutput {
		entry := map[string]interface{}{
			"ts":     time.Now().Format(time.RFC3339Nano),
			"level":  LevelNames[level],
			"module": l.module,
			"msg":    msg,
		}
		for i := 0; i+1 < len(keysAndValues); i += 2 {
			key, ok := keysAndValues[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", keysAndValues[i])
			}
			entry[key] = keysAndValues[i+1]
		}
		data, err := json.Marshal(entry)
		if err == nil {
			l.logger.Println(string(data))
		}
		return
	}

	var sb strings.Builder
	sb.WriteString(time.Now().Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	sb.WriteString(LevelNames[level])
	sb.WriteString("] ")
	if l.module != "" {
		sb.WriteString(l.module)
		sb.WriteString(": ")
	}
	sb.WriteString(msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		sb.WriteString(fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1]))
	}
	l.logger.Println(sb.String())
}

// SetLevel 调整级别
func (l *StructuredLogger) SetLevel(level LogLevel) {
	l.level = level
}

// Default 全局默认日志
var Default = NewStructuredLogger(INFO, "bridge", false)

// Setup 按配置初始化全局日志
func Setup(level string, jsonOutput bool) {
	Default = NewStructuredLogger(ParseLevel(level), "bridge", jsonOutput)
	// 标准库 log 的输出保持一致格式
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
}
