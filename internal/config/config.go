package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pick-and-place-demo/internal/arm"
	"pick-and-place-demo/internal/channel"
	"pick-and-place-demo/internal/conveyor"
	"pick-and-place-demo/internal/oracle"
	"pick-and-place-demo/internal/sim"
	"pick-and-place-demo/internal/vision"
)

// EnvPrefix 是环境变量前缀，例如 PICKPLACE_ORACLE_ADDR
const EnvPrefix = "PICKPLACE"

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	TimeStep        time.Duration   `mapstructure:"time_step"`        // 仿真基本步长
	MaxTicks        uint64          `mapstructure:"max_ticks"`        // tick 上限，0 表示一直运行
	Realtime        bool            `mapstructure:"realtime"`         // 每个 tick 按真实时间等待一个步长
	HTTPAddr        string          `mapstructure:"http_addr"`        // 指标、WebSocket 和状态 API 地址
	JournalPath     string          `mapstructure:"journal_path"`     // 循环日志文件，为空则不记录
	ChannelCapacity int             `mapstructure:"channel_capacity"` // 单个通道可排队的消息数
	Arm             arm.Config      `mapstructure:"arm"`
	Conveyor        conveyor.Config `mapstructure:"conveyor"`
	Vision          vision.Config   `mapstructure:"vision"`
	Oracle          oracle.Config   `mapstructure:"oracle"`
	World           sim.WorldConfig `mapstructure:"world"`
}

// LoadConfig 加载配置，优先级从高到低：命令行参数、环境变量、配置文件、默认值
// path 为空时在当前目录查找 config.yaml，找不到文件时使用默认值
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	// 读取配置文件
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	// 将配置解析到结构体中
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否可用
func (c *Config) Validate() error {
	if c.TimeStep <= 0 {
		return fmt.Errorf("time_step 必须为正数, 当前 %v", c.TimeStep)
	}
	if c.Arm.Steps <= 0 {
		return fmt.Errorf("arm.steps 必须为正数, 当前 %d", c.Arm.Steps)
	}
	if c.Arm.L1 <= 0 || c.Arm.L2 <= 0 {
		return fmt.Errorf("arm.l1/arm.l2 必须为正数")
	}
	if len(c.World.SensorPositions) < 2 {
		return fmt.Errorf("world.sensor_positions 至少需要 ds1 和 ds2 两个位置")
	}
	return nil
}

// flagKeys 把命令行参数名映射到配置键
var flagKeys = map[string]string{
	"max-ticks":   "max_ticks",
	"oracle-addr": "oracle.addr",
	"http-addr":   "http_addr",
	"realtime":    "realtime",
	"journal":     "journal_path",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("绑定命令行参数 %s 失败: %w", name, err)
		}
	}
	return nil
}

// RegisterFlags 注册 cell 使用的命令行参数
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "配置文件路径 (默认查找 ./config.yaml)")
	flags.Uint64("max-ticks", 0, "仿真 tick 上限，0 表示一直运行")
	flags.String("oracle-addr", oracle.DefaultConfig().Addr, "识别服务地址")
	flags.String("http-addr", ":8080", "指标与状态 API 监听地址")
	flags.Bool("realtime", false, "按真实时间推进仿真")
	flags.String("journal", "", "循环日志文件路径")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("time_step", "32ms")
	v.SetDefault("max_ticks", 0)
	v.SetDefault("realtime", false)
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("journal_path", "")
	v.SetDefault("channel_capacity", channel.DefaultCapacity)

	a := arm.DefaultConfig()
	v.SetDefault("arm.l1", a.L1)
	v.SetDefault("arm.l2", a.L2)
	v.SetDefault("arm.steps", a.Steps)
	v.SetDefault("arm.descend_depth", a.DescendDepth)
	v.SetDefault("arm.ascend_start", a.AscendStart)
	v.SetDefault("arm.grip_position", a.GripPosition)
	v.SetDefault("arm.release_open_ticks", a.ReleaseOpenTicks)
	v.SetDefault("arm.base_pose.shoulder_pan", a.Base.ShoulderPan)
	v.SetDefault("arm.base_pose.shoulder_lift", a.Base.ShoulderLift)
	v.SetDefault("arm.base_pose.elbow", a.Base.Elbow)
	v.SetDefault("arm.base_pose.wrist1", a.Base.Wrist1)
	v.SetDefault("arm.base_pose.wrist2", a.Base.Wrist2)
	v.SetDefault("arm.base_pose.wrist3", a.Base.Wrist3)

	c := conveyor.DefaultConfig()
	v.SetDefault("conveyor.speed", c.Speed)
	v.SetDefault("conveyor.threshold", c.Threshold)
	v.SetDefault("conveyor.grasp_threshold", c.GraspThreshold)
	v.SetDefault("conveyor.stop_duration", c.StopDuration.String())
	v.SetDefault("conveyor.timer", "0s")
	v.SetDefault("conveyor.trip_rule", c.TripRule)

	vi := vision.DefaultConfig()
	v.SetDefault("vision.max_retries", vi.MaxRetries)
	v.SetDefault("vision.poll_ticks", vi.PollTicks)
	v.SetDefault("vision.settle_ticks", vi.SettleTicks)
	v.SetDefault("vision.angle_timeout", vi.AngleTimeout.String())

	o := oracle.DefaultConfig()
	v.SetDefault("oracle.addr", o.Addr)
	v.SetDefault("oracle.timeout", o.Timeout.String())
	v.SetDefault("oracle.reconnect.max_retries", o.Reconnect.MaxRetries)
	v.SetDefault("oracle.reconnect.retry_delay", o.Reconnect.RetryDelay.String())
	v.SetDefault("oracle.reconnect.max_retry_delay", o.Reconnect.MaxRetryDelay.String())

	w := DefaultWorld()
	v.SetDefault("world.sensor_positions", w.SensorPositions)
	v.SetDefault("world.sensor_half_width", w.SensorHalfWidth)
	v.SetDefault("world.clear_reading", w.ClearReading)
	v.SetDefault("world.blocked_reading", w.BlockedReading)
	v.SetDefault("world.camera_position", w.CameraPosition)
	v.SetDefault("world.camera_half_width", w.CameraHalfWidth)
	v.SetDefault("world.grip_threshold", w.GripThreshold)
	v.SetDefault("world.grasp_reach", w.GraspReach)
	v.SetDefault("world.grasp_position", w.GraspPosition)
	v.SetDefault("world.image_width", w.ImageWidth)
	v.SetDefault("world.image_height", w.ImageHeight)
	objects := make([]map[string]interface{}, 0, len(w.Objects))
	for _, obj := range w.Objects {
		objects = append(objects, map[string]interface{}{"position": obj.Position, "offset": obj.Offset})
	}
	v.SetDefault("world.objects", objects)
}

// DefaultWorld 返回演示用的传送带几何
// ds1 与相机视野中心重合，ds3 位于抓取点
func DefaultWorld() sim.WorldConfig {
	return sim.WorldConfig{
		Objects: []sim.ObjectSpec{
			{Position: 0.6, Offset: 0.12},
			{Position: 0.1, Offset: -0.1},
			{Position: -0.4, Offset: 0.15},
		},
		SensorPositions: []float64{1.0, 1.08, 1.4},
		SensorHalfWidth: 0.03,
		ClearReading:    1000,
		BlockedReading:  500,
		CameraPosition:  1.0,
		CameraHalfWidth: 0.1,
		GripThreshold:   0.35,
		GraspReach:      0.05,
		GraspPosition:   1.4,
		ImageWidth:      64,
		ImageHeight:     48,
	}
}
