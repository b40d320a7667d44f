package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	// 从默认位置加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载默认配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证默认值
	assert.Equal(t, "round_robin", config.Orchestrator.LBAlgorithm, "默认负载均衡算法应为round_robin")
	assert.Equal(t, 8080, config.API.Port, "管理API端口应为8080")
	assert.Equal(t, 10*time.Second, config.Health.Interval, "健康检查间隔应为10s")
	assert.Equal(t, 2*time.Second, config.Health.ProbeTimeout, "探测超时应为2s")
	assert.Equal(t, 5, config.Circuit.FailureThreshold, "熔断失败阈值应为5")
	assert.Equal(t, 30*time.Second, config.Circuit.ResetTimeout, "熔断复位时间应为30s")
	assert.Equal(t, 1, config.Deploy.MaxSurge, "默认maxSurge应为1")
	assert.Equal(t, 0, config.Deploy.MaxUnavailable, "默认maxUnavailable应为0")
	assert.Equal(t, 0.95, config.Deploy.CanarySuccessThreshold, "金丝雀成功率阈值应为0.95")
	assert.Equal(t, []string{"localhost:2379"}, config.Etcd.Endpoints, "etcd端点应为默认值")
	assert.False(t, config.DNS.Enabled, "DNS服务发现默认应关闭")
}

func TestLoadConfigFromEnvVars(t *testing.T) {
	// 设置环境变量
	os.Setenv("FLEET_ORCHESTRATOR_API_PORT", "9090")
	os.Setenv("FLEET_ORCHESTRATOR_LB_ALGORITHM", "least_connections")
	defer func() {
		os.Unsetenv("FLEET_ORCHESTRATOR_API_PORT")
		os.Unsetenv("FLEET_ORCHESTRATOR_LB_ALGORITHM")
	}()

	// 加载配置
	config, err := LoadConfig("")
	require.NoError(t, err, "无法加载配置")
	require.NotNil(t, config, "配置不应为nil")

	// 验证环境变量覆盖
	assert.Equal(t, 9090, config.API.Port, "环境变量应正确覆盖管理API端口")
	assert.Equal(t, "least_connections", config.Orchestrator.LBAlgorithm, "环境变量应正确覆盖负载均衡算法")

	// 确认其他值不受影响
	assert.Equal(t, 5353, config.DNS.Port, "DNS端口不应被环境变量影响")
}

func TestLoadConfigWithMissingFile(t *testing.T) {
	// 尝试从不存在的文件加载配置
	config, err := LoadConfig("non_existent_file.yaml")

	// 应该返回错误
	assert.Error(t, err, "从不存在的文件加载配置应该失败")

	// 不应该返回配置对象
	assert.Nil(t, config, "加载不存在的配置文件应该返回nil配置")
}
