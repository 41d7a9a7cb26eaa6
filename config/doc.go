/*
包 config 提供协调核心的统一配置：默认值、YAML 文件加载与
环境变量覆盖，外加配置文件变更监听。

配置优先级: 默认值 → YAML 文件 → 环境变量

	cfg, err := config.NewLoader().
	    WithConfigPath("agenthub.yaml").
	    WithEnvPrefix("AGENTHUB").
	    Load()

环境变量按 前缀_节_字段 命名，如 AGENTHUB_SERVER_HTTP_PORT。
*/
package config
