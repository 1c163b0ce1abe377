// Copyright (c) KBRetrieval Authors.
// Licensed under the MIT License.

/*
包 llm 提供检索链路所需的最小 LLM 接入层。

# 概述

查询规划只需要一个能力：给定一组消息，返回一段文本。本包用
[ChatProvider] 描述该能力，并提供 OpenAI 兼容协议的实现
[OpenAICompatProvider]，可以对接 OpenAI、DeepSeek、Qwen 等
兼容 /v1/chat/completions 的服务。

# 错误语义

上游 HTTP 状态通过 [MapHTTPError] 统一映射为 types.Error，
可重试错误（429、5xx、网络错误）由 retry 子包按指数退避重试。

# 子包

  - embedding：查询/段落向量化与两级缓存。
  - rerank：Jina、Cohere 交叉编码器重排，带限流。
  - retry：指数退避重试。
  - circuitbreaker：上游熔断。
*/
package llm
