/*
包 consensus 实现轻量级多 Agent 表决协调：创建提案、收集投票、
在达到法定票数时立即裁决、在截止时间过后标记过期。

提案的状态迁移恰好发生一次：open -> decided 或 open -> expired，
永不回退。同一提案的投票处理串行化，平票时按并列选项中最小的
投票者 id 决定，保证相同输入总是产生相同结果。

裁决与过期都会向消息中心广播结果，并在知识图谱中留下审计实体，
使决策过程可以事后追溯。
*/
package consensus
