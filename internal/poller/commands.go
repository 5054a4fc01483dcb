package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/mvalancy/pdubridge/internal/model"
)

const commandTimeout = 10 * time.Second

// Command 设备写操作。自动化与用户命令共用同一 FIFO，
// Origin 标记来源（mqtt | http | automation:<rule>）。
type Command struct {
	Outlet int
	Action string
	Origin string

	// Result 可选: 关心结果的调用方（HTTP）在此接收响应
	Result chan *CommandResponse
}

// CommandResponse 命令响应记录，无论来源都发布到响应主题
type CommandResponse struct {
	Success bool    `json:"success"`
	Command string  `json:"command"`
	Outlet  int     `json:"outlet"`
	Error   string  `json:"error,omitempty"`
	TS      float64 `json:"ts"`
}

func (p *Poller) ioLock()   { p.ioMu.Lock() }
func (p *Poller) ioUnlock() { p.ioMu.Unlock() }

// EnqueueCommand 提交命令到设备 FIFO。队列满返回 false。
func (p *Poller) EnqueueCommand(cmd *Command) bool {
	select {
	case p.commands <- cmd:
		return true
	default:
		log.Printf("Poller[%s]: command queue full, rejecting %s outlet %d",
			p.cfg.DeviceID, cmd.Action, cmd.Outlet)
		p.deliverResponse(cmd, &CommandResponse{
			Success: false, Command: cmd.Action, Outlet: cmd.Outlet,
			Error: "command queue full", TS: nowTS(),
		})
		return false
	}
}

// commandWorker 专职命令循环: 顺序执行 FIFO 中的写操作
func (p *Poller) commandWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.commands:
			p.executeCommand(ctx, cmd)
		}
	}
}

func (p *Poller) executeCommand(ctx context.Context, cmd *Command) {
	if _, valid := model.OutletCmdMap[cmd.Action]; !valid {
		switch cmd.Action {
		case "delayon", "delayoff", "cancel":
			// 串口专属命令，由传输决定是否支持
		default:
			p.finishCommand(cmd, fmt.Errorf("unknown command: %s", cmd.Action))
			return
		}
	}

	tctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	p.ioLock()
	active := p.activeTransport()
	err := active.SetOutlet(tctx, cmd.Outlet, cmd.Action)
	p.ioUnlock()

	p.finishCommand(cmd, err)

	status := "OK"
	if err != nil {
		status = "FAILED"
	}
	log.Printf("Poller[%s]: command outlet %d %s (%s) -> %s",
		p.cfg.DeviceID, cmd.Outlet, cmd.Action, cmd.Origin, status)
}

// finishCommand 发布响应主题并回传给调用方
func (p *Poller) finishCommand(cmd *Command, err error) {
	resp := &CommandResponse{
		Success: err == nil,
		Command: cmd.Action,
		Outlet:  cmd.Outlet,
		TS:      nowTS(),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	if p.pub != nil {
		payload, _ := json.Marshal(resp)
		topic := fmt.Sprintf("%s/outlet/%d/command/response", p.topicPrefix(), cmd.Outlet)
		p.pub.Publish(topic, payload, false, 1)
	}
	p.deliverResponse(cmd, resp)
}

func (p *Poller) deliverResponse(cmd *Command, resp *CommandResponse) {
	if cmd.Result != nil {
		select {
		case cmd.Result <- resp:
		default:
		}
	}
}

// drainCommands 停止时用 cancelled 响应清空队列
func (p *Poller) drainCommands() {
	for {
		select {
		case cmd := <-p.commands:
			p.deliverResponse(cmd, &CommandResponse{
				Success: false, Command: cmd.Action, Outlet: cmd.Outlet,
				Error: "cancelled", TS: nowTS(),
			})
		default:
			return
		}
	}
}

func nowTS() float64 {
	return float64(time.Now().UnixMilli()) / 1000.0
}
