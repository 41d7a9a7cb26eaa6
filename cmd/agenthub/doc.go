/*
Package main 提供 AgentHub 服务端程序入口。

# 概述

cmd/agenthub 是协调核心的可执行入口，提供 HTTP 工具调用 API、
WebSocket 实时推送、健康检查和版本查询等子命令。程序支持 YAML
配置文件加载、结构化日志（zap）与 Prometheus 指标采集。

# 核心类型

  - Server           — 主服务器，组装存储/图谱/消息/共识/调度/AI 路由
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、RequestLogger、CORS
  - 配置文件监视：变更记日志提示重启生效
  - 优雅关闭：信号监听 → 关闭 HTTP → 停共识清扫 → 停消息中心 → 关存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
