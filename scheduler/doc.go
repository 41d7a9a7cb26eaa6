/*
包 scheduler 实现 Agent 的自主行为调度：事件触发映射的动作、
每 Agent 每日 token 预算与预算耗尽通知。

预算窗口按 UTC 日切分，跨入新的一天后在下一次访问时惰性清零。
预算检查与扣减在每 Agent 锁内原子完成：并发触发永远不会把用量
推过预算上限，超出预算的请求被拒绝而不是排队。

token 成本 = 固定基础成本 + 事件负载的 token 计数。计数优先使用
tiktoken 编码，编码不可用时退化为按字节估算。
*/
package scheduler
