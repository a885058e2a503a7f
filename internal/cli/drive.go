package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	robot "github.com/transairobot/rccar_go"
	"github.com/transairobot/rccar_go/internal/termui"
	"github.com/transairobot/rccar_go/link"
	"github.com/transairobot/rccar_go/protocol"
)

var (
	errQuit       = errors.New("quit")
	errLinkClosed = errors.New("link closed by gateway")
)

func newDriveCmd() *cobra.Command {
	var (
		addr       string
		mode       string
		configPath string
		noAcks     bool
	)

	cmd := &cobra.Command{
		Use:   "drive",
		Short: "Drive the car from the keyboard",
		Long: `Connects to a gateway and maps keys to commands:
  w/a/s/d or arrows  move        q/e   gripper open/close
  x or esc           stop        +/-   speed
  m                  switch mode space release (hold mode)
  ctrl+c             quit

Terminals report no key release, so drive defaults to toggle mode.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadDriveConfig(cmd, configPath, addr, mode, noAcks)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
			defer stop()
			return runDrive(ctx, conf, os.Stdin, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:7312", "Gateway address")
	cmd.Flags().StringVar(&mode, "mode", robot.ModeToggle.String(), "Control mode: hold or toggle")
	cmd.Flags().StringVar(&configPath, "config", "", "Config file path")
	cmd.Flags().BoolVar(&noAcks, "no-acks", false, "Do not subscribe to acks (single-slot unacknowledged sending)")

	return cmd
}

// loadDriveConfig 读取配置。终端默认使用 toggle 模式，配置文件或环境变量可改为 hold，
// 显式传入的命令行参数优先。
func loadDriveConfig(cmd *cobra.Command, configPath, addr, mode string, noAcks bool) (*robot.Config, error) {
	conf, err := robot.LoadConfig(configPath, func(c *robot.Config) {
		c.Control.Mode = robot.ModeToggle.String()
	})
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("addr") {
		conf.Link.Addr = addr
	}
	if cmd.Flags().Changed("mode") {
		conf.Control.Mode = mode
	}
	if noAcks {
		conf.Link.Acks = false
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func runDrive(ctx context.Context, conf *robot.Config, in io.Reader, out io.Writer) error {
	session := robot.NewSession(conf)
	logger := zap.L().With(zap.String("session", session.ID))
	session.SetLogger(zap.L())

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := link.Dial(dialCtx, conf.Link, session.ID)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	session.OnLinkEstablished(client, client.Notifications())
	defer session.Close()
	if err := session.SyncSpeed(); err != nil {
		logger.Warn("同步速度失败", zap.Error(err))
	}

	kb := termui.NewKeyboard(in)
	if err := kb.Start(); err != nil {
		return err
	}
	defer kb.Stop()

	fmt.Fprint(out, termui.RenderHelp()+"\r\n")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Done():
			session.OnLinkLost()
			return errLinkClosed
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			render(out, session)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-kb.Events:
				if !ok {
					return errQuit
				}
				if err := handleEvent(session, ev); err != nil {
					return err
				}
			}
		}
	})

	err = g.Wait()
	session.ResetAll()
	fmt.Fprint(out, "\r\n")
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

// handleEvent 将键盘事件转换为会话操作。终端没有按键松开事件：
// hold 模式下方向键保持按下直到空格，夹爪键按下后立即松开。
func handleEvent(session *robot.Session, ev termui.Event) error {
	arbiter := session.Arbiter()

	switch ev.Action {
	case termui.ActionKey:
		session.KeyDown(ev.Key)
		if ev.Key.IsGripper() {
			session.KeyUp(ev.Key)
		}
	case termui.ActionRelease:
		for _, k := range protocol.MovementKeys {
			if arbiter.Held(k) {
				session.KeyUp(k)
			}
		}
	case termui.ActionReset:
		session.ResetAll()
	case termui.ActionSpeedUp:
		session.ChangeSpeed(1)
	case termui.ActionSpeedDown:
		session.ChangeSpeed(-1)
	case termui.ActionToggleMode:
		arbiter.ToggleMode()
	case termui.ActionQuit:
		return errQuit
	}
	return nil
}

func render(out io.Writer, session *robot.Session) {
	fmt.Fprint(out, "\r\x1b[2K"+termui.Render(session.Snapshot()))
}
