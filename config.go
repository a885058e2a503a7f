package robot

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/transairobot/rccar_go/protocol"
)

// Config 汇总指令投递引擎与链路的配置
type Config struct {
	Queue     QueueConfig     `mapstructure:"queue"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Control   ControlConfig   `mapstructure:"control"`
	Link      LinkConfig      `mapstructure:"link"`
}

type QueueConfig struct {
	Capacity int `mapstructure:"capacity"`
}

type DeliveryConfig struct {
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	InterCommandDelay time.Duration `mapstructure:"inter_command_delay"`
}

type RateLimitConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type ControlConfig struct {
	Mode         string `mapstructure:"mode"`
	InitialSpeed int    `mapstructure:"initial_speed"`
}

// LinkConfig 描述到车辆网关的 QUIC 链路
type LinkConfig struct {
	Addr        string `mapstructure:"addr"`
	Insecure    bool   `mapstructure:"insecure"`
	CertFile    string `mapstructure:"cert_file"`
	PrivateFile string `mapstructure:"private_file"`

	// 为 false 时不订阅确认通知，会话以无确认的单槽模式运行
	Acks bool `mapstructure:"acks"`
}

// DefaultConfig 返回协议规定的默认参数
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{Capacity: 5},
		Delivery: DeliveryConfig{
			AckTimeout:        500 * time.Millisecond,
			MaxRetries:        2,
			RetryBackoff:      50 * time.Millisecond,
			InterCommandDelay: 10 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{MinInterval: 50 * time.Millisecond},
		Control: ControlConfig{
			Mode:         ModeHold.String(),
			InitialSpeed: protocol.DefaultSpeed,
		},
		Link: LinkConfig{
			Addr:     "localhost:7312",
			Insecure: true,
			Acks:     true,
		},
	}
}

// LoadConfig 从配置文件和环境变量读取配置，环境变量前缀为 RCCAR_。
// path 为空时在 ~/.config/rccar 与当前目录查找 config.*。
// defaults 修改默认值，配置文件与环境变量仍可覆盖。
func LoadConfig(path string, defaults ...func(*Config)) (*Config, error) {
	def := DefaultConfig()
	for _, fn := range defaults {
		fn(def)
	}
	v := viper.New()

	v.SetDefault("queue.capacity", def.Queue.Capacity)
	v.SetDefault("delivery.ack_timeout", def.Delivery.AckTimeout)
	v.SetDefault("delivery.max_retries", def.Delivery.MaxRetries)
	v.SetDefault("delivery.retry_backoff", def.Delivery.RetryBackoff)
	v.SetDefault("delivery.inter_command_delay", def.Delivery.InterCommandDelay)
	v.SetDefault("rate_limit.min_interval", def.RateLimit.MinInterval)
	v.SetDefault("control.mode", def.Control.Mode)
	v.SetDefault("control.initial_speed", def.Control.InitialSpeed)
	v.SetDefault("link.addr", def.Link.Addr)
	v.SetDefault("link.insecure", def.Link.Insecure)
	v.SetDefault("link.cert_file", "")
	v.SetDefault("link.private_file", "")
	v.SetDefault("link.acks", def.Link.Acks)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("$HOME/.config/rccar")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RCCAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 未指定路径时配置文件是可选的
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置取值
func (c *Config) Validate() error {
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Delivery.AckTimeout <= 0 {
		return fmt.Errorf("delivery.ack_timeout must be positive, got %s", c.Delivery.AckTimeout)
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries must not be negative, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.RetryBackoff < 0 || c.Delivery.InterCommandDelay < 0 || c.RateLimit.MinInterval < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	if _, err := ParseMode(c.Control.Mode); err != nil {
		return err
	}
	if _, err := protocol.SpeedCommand(c.Control.InitialSpeed); err != nil {
		return fmt.Errorf("control.initial_speed: %w", err)
	}
	return nil
}
