// 版权所有 2024 KBRetrieval Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 embedding 提供统一的文本嵌入接口与多服务商实现，
用于把检索查询转换为向量。

# 概述

Provider 屏蔽不同服务商在 API 格式与任务语义上的差异；
Service 是检索链路真正依赖的能力，由 CachedService 实现，
在进程启动时构造一次并按引用传入引擎。

# 核心接口

  - Provider：Embed / Name / Dimensions。
  - Service：EmbedTexts(texts, task) / EmbedQuery(query)。
  - Task：retrieval.query 与 retrieval.passage。
  - BaseProvider：公共基类，封装 HTTP 请求与 MapHTTPError。

# 主要能力

  - 服务商：Jina AI（原生 task 参数）、OpenAI、本地 ONNX（hugot）。
  - 缓存：L1 为有界 LRU + TTL，L2 为可选 Redis，key 含 provider/model/task。
  - 失败语义：provider 报错或任一输入缺少向量都返回 EMBEDDING_FAILURE，
    检索请求随之中止，不会静默跳过。
*/
package embedding
