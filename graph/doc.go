/*
包 graph 实现共享知识图谱存储：实体/关系的创建、观察追加、
关键词与语义混合检索，以及整图读取。

# 概述

图数据通过 storage.Adapter 持久化在主存储中；语义检索与结果缓存
都是建议性的加速层，所有辅助后端离线时操作仍然正确（只是更慢、
排序退化为按时间）。

# 核心语义

  - 实体按名称全局唯一，按名称 upsert；已存在的实体只扩展其观察
    序列（去重），从不替换。
  - 观察列表仅追加，重复字符串幂等。
  - 关系 (from, to, type) 三元组唯一；端点必须已存在，缺失时返回
    DANGLING_REFERENCE，不会自动创建实体。
  - 检索结果缓存按 (query, entityTypes, limit) 取键，短 TTL，
    并用受影响实体名做标签；任何变更按标签失效相关条目。

# 并发

按实体名的分片锁保证同名实体的变更串行化，不相关实体互不竞争。
*/
package graph
