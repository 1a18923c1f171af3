package cli

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestInitConfig_EnvOverridesNestedKeys(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("SUPPORTDESK_SERVER_PORT", "9191")
	t.Setenv("SUPPORTDESK_REDIS_ENABLED", "true")

	// 当前目录没有 config.yml，缺失配置文件不报错
	initConfig()

	assert.Equal(t, 9191, viper.GetInt("server.port"))
	assert.True(t, viper.GetBool("redis.enabled"))
}
