// Copyright (c) KBRetrieval Authors.
// Licensed under the MIT License.

/*
包 rerank 提供交叉编码器重排的统一接入层。

# 核心接口

  - Provider：Rerank / RerankSimple / Name / MaxDocuments。
  - RerankResult：原始文档索引与相关性分数。索引由上游返回，
    调用方必须丢弃越界索引。

# 实现

  - JinaProvider：Jina AI Reranker（/v1/rerank），多语言模型。
  - CohereProvider：Cohere Rerank v2（/v2/rerank）。
  - GuardedProvider：熔断包装，连续失败后直接短路。

两个 HTTP 实现共享加固的 Transport，并可通过 RequestsPerSecond / Burst
配置客户端令牌桶限流。
*/
package rerank
