/*
包 metrics 基于 Prometheus 为协调核心提供进程内指标采集。

涵盖消息收发、图谱变更与缓存命中、共识决策、自主动作与 token 消耗、
AI Provider 调用以及工具调用耗时。Collector 的所有记录方法对 nil
接收者安全，组件可以无条件调用。
*/
package metrics
