package termui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	robot "github.com/transairobot/rccar_go"
	"github.com/transairobot/rccar_go/protocol"
)

var (
	colorText    = lipgloss.Color("#cdd6f4")
	colorSubtext = lipgloss.Color("#7f849c")
	colorGreen   = lipgloss.Color("#a6e3a1")
	colorRed     = lipgloss.Color("#f38ba8")
	colorYellow  = lipgloss.Color("#f9e2af")
	colorBlue    = lipgloss.Color("#89b4fa")
)

const HelpLine = "w/a/s/d 移动  q/e 夹爪  x/esc 停止  +/- 速度  m 模式  space 松开  ctrl+c 退出"

// Render 将会话快照渲染为单行状态
func Render(snap robot.Snapshot) string {
	var link string
	switch {
	case !snap.Connected:
		link = lipgloss.NewStyle().Foreground(colorRed).Bold(true).Render("● 未连接")
	case snap.Degraded:
		link = lipgloss.NewStyle().Foreground(colorYellow).Bold(true).Render("● 无确认")
	default:
		link = lipgloss.NewStyle().Foreground(colorGreen).Bold(true).Render("● 已连接")
	}

	label := lipgloss.NewStyle().Foreground(colorSubtext)
	value := lipgloss.NewStyle().Foreground(colorText)

	last := "-"
	if snap.LastCommand != "" {
		last = describe(snap.LastCommand)
	}

	parts := []string{
		link,
		label.Render("模式 ") + value.Render(snap.Mode),
		label.Render("速度 ") + lipgloss.NewStyle().Foreground(colorBlue).Render(fmt.Sprintf("%d", snap.Speed)),
		label.Render("最近 ") + value.Render(last),
		label.Render("队列 ") + value.Render(fmt.Sprintf("%d", len(snap.Queued))),
	}
	if len(snap.History) > 0 {
		parts = append(parts, label.Render("历史 ")+value.Render(strings.Join(snap.History, "")))
	}
	return strings.Join(parts, "  ")
}

func describe(s string) string {
	if len(s) != 1 {
		return s
	}
	return protocol.Command(s[0]).Describe()
}

// RenderHelp 渲染按键说明
func RenderHelp() string {
	return lipgloss.NewStyle().Foreground(colorSubtext).Render(HelpLine)
}
