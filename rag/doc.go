// Copyright (c) KBRetrieval Authors.
// Licensed under the MIT License.

/*
包 rag 实现多租户标准知识库的混合检索链路。

# 概述

一次检索由 [RetrievalBroker] 编排，依次经过：

  - 范围解析：[ResolveFilters] 把租户/集合/标准/条款解析为 [Filters]，
    标准与条款号从查询文本中抽取，条款只在标准附近出现时才绑定。
  - 查询规划：[QueryPlanner] 用 LLM 把多跳问题拆成子查询，
    LLM 不可用、超时或输出不可解析时退回 [DeterministicPlan]。
  - 原子检索：[AtomicRetrievalEngine] 执行向量 + 全文融合检索与图谱扩展，
    优先调用服务端 hybrid_search，签名不匹配时切换到兼容模式并重试一次。
  - 重排：[RerankingPipeline] 组合外部交叉编码器与本地权威度重排。
  - 范围惩罚：[ApplyScopePenalty] 对请求范围之外的行做软降分。

# 降级

除范围/租户校验错误与查询向量缺失外，任何阶段失败都不会向调用方返回错误，
而是缩小结果并把原因记录在 [Trace] 的 Degraded 列表中。

# 存储

[Store] 抽象了 Postgres RPC（match_chunks、fts_chunks、graph_multihop、
hybrid_search、list_source_documents）。[PostgresStore] 是生产实现，
[InMemoryStore] 用于测试与本地演示。
*/
package rag
