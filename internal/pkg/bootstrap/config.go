// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nacos-group/nacos-sdk-go/v2/clients/config_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"
	"gopkg.in/yaml.v3"

	"fulcrum/internal/pkg/nacos"
)

// Config 是整个服务族共享的配置快照。
// 读取方永远通过 GetCurrentConfig() 拿当前快照，禁止缓存字段。
type Config struct {
	App   AppConfig   `yaml:"app"`
	Infra InfraConfig `yaml:"infra"`
}

type AppConfig struct {
	HTTPPort     int              `yaml:"httpPort"`
	JWTSecret    string           `yaml:"jwtSecret"`
	FeatureFlags FeatureFlags     `yaml:"featureFlags"`
	Settlement   SettlementConfig `yaml:"settlement"`
}

type FeatureFlags struct {
	// EnableSettlementGuard 控制结算前是否抢占 per-order 的 Redis 锁。
	// 关闭后正确性仍由幂等键和版本守卫兜底，只是重复打处理器的窗口变大。
	EnableSettlementGuard bool `yaml:"enableSettlementGuard"`
}

// SettlementConfig 是结算策略的全部可调参数。
type SettlementConfig struct {
	// ApprovalVarianceExpr 是报价偏差审批策略的 CEL 表达式，
	// 变量为整型分值 quote / estimate，返回 true 表示需要人工审批。
	ApprovalVarianceExpr string   `yaml:"approvalVarianceExpr"`
	RetryBackoff         Duration `yaml:"retryBackoff"`
	GraceWindow          Duration `yaml:"graceWindow"`
	NoShowFeeCents       int64    `yaml:"noShowFeeCents"`
	Currency             string   `yaml:"currency"`
}

type InfraConfig struct {
	Mysql     MysqlConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Processor ProcessorConfig `yaml:"processor"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

type MysqlConfig struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addrs string `yaml:"addrs"` // "host1:port1,host2:port2"
}

type KafkaConfig struct {
	Brokers string `yaml:"brokers"` // "host1:port1,host2:port2"
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type ZookeeperConfig struct {
	Servers string `yaml:"servers"`
}

// ProcessorConfig 指向外部支付处理器的出站接口。
type ProcessorConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
}

// WebhookConfig 是处理器回调的验签密钥。
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// Duration 让 yaml 里可以写 "2h"/"24h" 这样的时长。
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

var (
	currentConfig     atomic.Value // *Config
	initOnce          sync.Once
	nacosConfigClient config_client.IConfigClient
)

// defaultConfig 返回本地开发可直接跑起来的缺省值。
func defaultConfig() *Config {
	return &Config{
		App: AppConfig{
			HTTPPort:  8080,
			JWTSecret: "dev-secret-change-me",
			FeatureFlags: FeatureFlags{
				EnableSettlementGuard: true,
			},
			Settlement: SettlementConfig{
				// 偏差超过 20% 需要管理员审批
				ApprovalVarianceExpr: "quote > estimate + estimate / 5 || quote < estimate - estimate / 5",
				RetryBackoff:         Duration(2 * time.Hour),
				GraceWindow:          Duration(24 * time.Hour),
				NoShowFeeCents:       2500,
				Currency:             "usd",
			},
		},
		Infra: InfraConfig{
			Mysql:     MysqlConfig{User: "root", Password: "root", Host: "localhost:3306", Name: "fulcrum"},
			Redis:     RedisConfig{Addrs: "localhost:6379"},
			Kafka:     KafkaConfig{Brokers: "localhost:9092"},
			Jaeger:    JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
			Zookeeper: ZookeeperConfig{Servers: "localhost:2181"},
			Processor: ProcessorConfig{BaseURL: "http://localhost:9099"},
			Webhook:   WebhookConfig{Secret: "dev-webhook-secret"},
		},
	}
}

// Init 加载配置：缺省值 <- YAML 文件 <- 环境变量，然后尝试接入 Nacos 配置中心。
// 多次调用只生效一次。
func Init() {
	initOnce.Do(func() {
		cfg := defaultConfig()

		if path := os.Getenv("FULCRUM_CONFIG"); path != "" {
			raw, err := os.ReadFile(path)
			if err != nil {
				log.Fatalf("FATAL: cannot read config file %s: %v", path, err)
			}
			if err := yaml.Unmarshal(raw, cfg); err != nil {
				log.Fatalf("FATAL: cannot parse config file %s: %v", path, err)
			}
		}

		applyEnvOverrides(cfg)
		currentConfig.Store(cfg)

		if dataID := os.Getenv("NACOS_CONFIG_DATA_ID"); dataID != "" {
			if err := watchNacosConfig(dataID); err != nil {
				// 配置中心不可用不阻塞启动，本地配置继续生效
				log.Printf("⚠️ WARNING: nacos config center unavailable: %v", err)
			}
		}
	})
}

// GetCurrentConfig 返回当前配置快照。未显式 Init 时退化为缺省配置（测试场景）。
func GetCurrentConfig() *Config {
	if cfg, ok := currentConfig.Load().(*Config); ok {
		return cfg
	}
	cfg := defaultConfig()
	currentConfig.CompareAndSwap(nil, cfg)
	return currentConfig.Load().(*Config)
}

// applyEnvOverrides 让基础设施端点可以被环境变量覆盖，容器部署靠它注入。
func applyEnvOverrides(cfg *Config) {
	cfg.Infra.Mysql.User = getEnv("MYSQL_USER", cfg.Infra.Mysql.User)
	cfg.Infra.Mysql.Password = getEnv("MYSQL_PASSWORD", cfg.Infra.Mysql.Password)
	cfg.Infra.Mysql.Host = getEnv("MYSQL_HOST", cfg.Infra.Mysql.Host)
	cfg.Infra.Mysql.Name = getEnv("MYSQL_DB", cfg.Infra.Mysql.Name)
	cfg.Infra.Redis.Addrs = getEnv("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Kafka.Brokers = getEnv("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.Zookeeper.Servers = getEnv("ZOOKEEPER_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Processor.BaseURL = getEnv("PROCESSOR_BASE_URL", cfg.Infra.Processor.BaseURL)
	cfg.Infra.Processor.APIKey = getEnv("PROCESSOR_API_KEY", cfg.Infra.Processor.APIKey)
	cfg.Infra.Webhook.Secret = getEnv("WEBHOOK_SECRET", cfg.Infra.Webhook.Secret)
	cfg.App.JWTSecret = getEnv("JWT_SECRET", cfg.App.JWTSecret)
}

// watchNacosConfig 拉取配置中心内容并监听变更，实现热更新。
func watchNacosConfig(dataID string) error {
	addrs := getEnv("NACOS_SERVER_ADDRS", "localhost:8848")
	namespace := getEnv("NACOS_NAMESPACE", "")
	group := getEnv("NACOS_GROUP", "DEFAULT_GROUP")

	serverConfigs, err := createNacosServerConfigs(addrs)
	if err != nil {
		return err
	}
	clientConfig := createNacosClientConfig(namespace)

	configClient, err := nacos.NewConfigClient(serverConfigs, &clientConfig)
	if err != nil {
		return err
	}
	nacosConfigClient = configClient

	content, err := configClient.GetConfig(vo.ConfigParam{DataId: dataID, Group: group})
	if err == nil && content != "" {
		applyRemoteConfig(content)
	}

	return configClient.ListenConfig(vo.ConfigParam{
		DataId: dataID,
		Group:  group,
		OnChange: func(namespace, group, dataId, data string) {
			log.Printf("ℹ️ Nacos config change received for %s/%s", group, dataId)
			applyRemoteConfig(data)
		},
	})
}

// applyRemoteConfig 以当前快照为底，叠加远端 YAML 后原子替换。
// 环境变量覆盖始终最后生效，保证容器注入的端点不被配置中心顶掉。
func applyRemoteConfig(content string) {
	base := *GetCurrentConfig()
	next := &base
	if err := yaml.Unmarshal([]byte(content), next); err != nil {
		log.Printf("ERROR: invalid config from nacos, keeping previous snapshot: %v", err)
		return
	}
	applyEnvOverrides(next)
	currentConfig.Store(next)
}

func createNacosServerConfigs(addrs string) ([]constant.ServerConfig, error) {
	return nacos.ParseServerAddrs(addrs)
}

func createNacosClientConfig(namespaceId string) constant.ClientConfig {
	return nacos.NewClientConfig(namespaceId)
}
