package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 编排器配置
	Orchestrator struct {
		// 负载均衡算法: "round_robin", "least_connections", "weighted", "ip_hash"
		LBAlgorithm string `mapstructure:"lb_algorithm"`
		// 连续失败次数达到该值的实例不再参与路由（0表示关闭该过滤）
		JitterThreshold int `mapstructure:"jitter_threshold"`
	} `mapstructure:"orchestrator"`

	// 健康检查与自动伸缩配置
	Health struct {
		Interval          time.Duration `mapstructure:"interval"`            // 健康检查循环间隔
		ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`       // 单次探测超时
		FailureThreshold  int           `mapstructure:"failure_threshold"`   // 连续失败多少次标记实例不健康
		HistorySize       int           `mapstructure:"history_size"`        // 每个实例保留的探测历史条数
		ScaleUpCooldown   time.Duration `mapstructure:"scale_up_cooldown"`   // 扩容冷却时间
		ScaleDownCooldown time.Duration `mapstructure:"scale_down_cooldown"` // 缩容冷却时间
		MetricsStaleness  time.Duration `mapstructure:"metrics_staleness"`   // 指标过期窗口，超过则跳过伸缩决策
	} `mapstructure:"health"`

	// 熔断器配置
	Circuit struct {
		FailureThreshold    int           `mapstructure:"failure_threshold"`      // 连续失败多少次进入open
		ResetTimeout        time.Duration `mapstructure:"reset_timeout"`          // open转half_open的等待时间
		HalfOpenMaxRequests int           `mapstructure:"half_open_max_requests"` // half_open转closed需要的连续成功数
	} `mapstructure:"circuit"`

	// 部署管理配置
	Deploy struct {
		QueueSize              int           `mapstructure:"queue_size"`               // 部署队列容量
		MaxSurge               int           `mapstructure:"max_surge"`                // 滚动发布允许超出目标的实例数
		MaxUnavailable         int           `mapstructure:"max_unavailable"`          // 滚动发布允许同时不可用的旧实例数
		ReadinessTimeout       time.Duration `mapstructure:"readiness_timeout"`        // 等待实例就绪的最长时间
		ReadinessPoll          time.Duration `mapstructure:"readiness_poll"`           // 就绪探测轮询间隔
		CanaryPercent          int           `mapstructure:"canary_percent"`           // 金丝雀实例百分比
		CanaryIterations       int           `mapstructure:"canary_iterations"`        // 金丝雀分析轮次
		CanaryInterval         time.Duration `mapstructure:"canary_interval"`          // 金丝雀分析间隔
		CanarySuccessThreshold float64       `mapstructure:"canary_success_threshold"` // 金丝雀成功率阈值（0~1）
		ProvisionAttempts      int           `mapstructure:"provision_attempts"`       // 实例创建重试次数上限
		ProvisionBackoff       time.Duration `mapstructure:"provision_backoff"`        // 实例创建重试的基础退避时间
		ProvisionRate          float64       `mapstructure:"provision_rate"`           // 每秒允许的供给操作数
		ProvisionBurst         int           `mapstructure:"provision_burst"`          // 供给操作的突发容量
	} `mapstructure:"deploy"`

	// 指标采集配置
	Metrics struct {
		Interval time.Duration `mapstructure:"interval"` // 指标采集循环间隔
	} `mapstructure:"metrics"`

	// 链路追踪配置
	Trace struct {
		BufferSize int `mapstructure:"buffer_size"` // span缓冲区大小，写满后丢弃
	} `mapstructure:"trace"`

	// 管理API配置
	API struct {
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// DNS服务发现配置
	DNS struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
		Port          int    `mapstructure:"port"`
		Domain        string `mapstructure:"domain"` // 本地域名后缀，如 "fleet.local"
		TTL           int    `mapstructure:"ttl"`    // 应答记录TTL（秒）
	} `mapstructure:"dns"`

	// etcd配置（用于配置存储）
	Etcd struct {
		Enabled        bool          `mapstructure:"enabled"`
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		Namespace      string        `mapstructure:"namespace"` // key前缀
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"etcd"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")                    // 配置文件名（无扩展名）
		v.AddConfigPath(".")                         // 当前目录
		v.AddConfigPath("./configs")                 // configs目录
		v.AddConfigPath("$HOME/.fleet-orchestrator") // 用户目录
		v.AddConfigPath("/etc/fleet-orchestrator")   // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅记录警告；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("FLEET_ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 从环境变量覆盖
	bindEnvVariables(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// 编排器默认配置
	v.SetDefault("orchestrator.lb_algorithm", "round_robin")
	v.SetDefault("orchestrator.jitter_threshold", 3)

	// 健康检查默认配置
	v.SetDefault("health.interval", "10s")
	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.history_size", 20)
	v.SetDefault("health.scale_up_cooldown", "1m")
	v.SetDefault("health.scale_down_cooldown", "3m")
	v.SetDefault("health.metrics_staleness", "30s")

	// 熔断器默认配置
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout", "30s")
	v.SetDefault("circuit.half_open_max_requests", 3)

	// 部署默认配置
	v.SetDefault("deploy.queue_size", 64)
	v.SetDefault("deploy.max_surge", 1)
	v.SetDefault("deploy.max_unavailable", 0)
	v.SetDefault("deploy.readiness_timeout", "2m")
	v.SetDefault("deploy.readiness_poll", "500ms")
	v.SetDefault("deploy.canary_percent", 20)
	v.SetDefault("deploy.canary_iterations", 5)
	v.SetDefault("deploy.canary_interval", "10s")
	v.SetDefault("deploy.canary_success_threshold", 0.95)
	v.SetDefault("deploy.provision_attempts", 3)
	v.SetDefault("deploy.provision_backoff", "1s")
	v.SetDefault("deploy.provision_rate", 10)
	v.SetDefault("deploy.provision_burst", 5)

	// 指标采集默认配置
	v.SetDefault("metrics.interval", "15s")

	// 链路追踪默认配置
	v.SetDefault("trace.buffer_size", 256)

	// 管理API默认配置
	v.SetDefault("api.listen_address", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// DNS服务发现默认配置
	v.SetDefault("dns.enabled", false)
	v.SetDefault("dns.listen_address", "0.0.0.0")
	v.SetDefault("dns.port", 5353)
	v.SetDefault("dns.domain", "fleet.local")
	v.SetDefault("dns.ttl", 10)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.username", "")
	v.SetDefault("etcd.password", "")
	v.SetDefault("etcd.namespace", "/fleet-orchestrator")
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 3*time.Second)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// bindEnvVariables 绑定特定的环境变量
func bindEnvVariables(v *viper.Viper) {
	v.BindEnv("api.port", "FLEET_ORCHESTRATOR_API_PORT")
	v.BindEnv("dns.port", "FLEET_ORCHESTRATOR_DNS_PORT")
	v.BindEnv("etcd.endpoints", "FLEET_ORCHESTRATOR_ETCD_ENDPOINTS")
	v.BindEnv("orchestrator.lb_algorithm", "FLEET_ORCHESTRATOR_LB_ALGORITHM")
}

// GetDefaultConfigPath 返回默认配置文件路径
func GetDefaultConfigPath() string {
	// 按顺序检查不同位置的配置文件
	paths := []string{
		"./config.yaml",
		"./configs/config.yaml",
		os.Getenv("HOME") + "/.fleet-orchestrator/config.yaml",
		"/etc/fleet-orchestrator/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}
