// Copyright (c) KBRetrieval Authors.
// Licensed under the MIT License.

/*
Package main 提供 KBRetrieval 命令行入口。

# 概述

cmd/kbretrieval 从 YAML 配置与环境变量组装检索运行时，执行单次检索
并以 JSON 输出结果，便于排查范围解析、规划与降级行为。

# 子命令

  - query  ：执行一次检索，可指定租户、范围、标准与引擎模式
  - health ：检查数据库与 Redis 连通性
  - version：显示构建信息（Version、BuildTime、GitCommit 通过 ldflags 设置）
*/
package main
