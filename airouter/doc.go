/*
包 airouter 实现多 Provider 的 AI 请求路由：按优先级失败转移、
每 Provider 独立熔断、流式响应与取消传播。

单个 Provider 的失败被路由层吸收：只要还有健康的 Provider，
调用方看到的就是成功响应。全部 Provider 都不可用时才返回
PROVIDER_UNAVAILABLE。熔断器隔离连续失败的 Provider，冷却期后
半开试探恢复。

流式调用把调用方的取消沿 context 传播到 Provider 连接，
已开始的流中途失败不再转移（部分输出无法回收）。
*/
package airouter
