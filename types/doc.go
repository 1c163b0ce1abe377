// Copyright (c) KBRetrieval Authors.
// Licensed under the MIT License.

/*
Package types 提供 KBRetrieval 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 rag、llm、config 等上层
模块提供统一的错误码与 context 传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - CONFIGURATION_ERROR / TENANT_MISMATCH / EMBEDDING_FAILURE：唯一会返回给调用方的三类失败
  - UPSTREAM_TRANSIENT / PLANNER_FAILURE / RERANK_FAILURE：内部降级使用，不会向上传播

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithRequestID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
