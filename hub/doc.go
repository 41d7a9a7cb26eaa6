/*
包 hub 实现 Agent 寻址的消息中心：发送、广播、排队取回与统计。

# 投递路径

一次 Send 背后有两条显式投递路径：收件人存在活跃订阅通道时立即推送
（至多一次）；否则消息留在持久化队列中等待 GetMessages 取回。
持久化队列始终是可靠兜底，推送只是加速。

# 顺序保证

同一收件人的消息按发送顺序被观察；不同发送者之间不保证全局顺序。
广播消息（收件人为 "*"）逻辑上是一条消息加一个收件人集合，
不会为每个收件人落一份物理拷贝。

# 保留策略

超过保留期的消息在下一次写入时惰性清除，从不阻塞读取。
*/
package hub
