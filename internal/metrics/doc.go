// 版权所有 2024 KBRetrieval Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的检索链路指标采集能力，覆盖
检索阶段、降级、范围惩罚、上游模型调用、缓存与数据库六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto.With
注册到调用方提供的 Registerer。所有指标按 namespace 隔离。
Collector 的方法对 nil 接收者安全，未配置指标时调用方无需判空。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 向量指标。
  - PenaltySnapshot：单个租户的范围惩罚累计值（进程内 atomic 计数）。

# 主要能力

  - 检索指标：请求数、阶段耗时、降级计数（stage/reason）、规划结果。
  - 范围惩罚：按 tenant/penalized 分组的行计数，另有进程内快照。
  - 上游指标：embedding / chat / rerank 请求数与耗时。
  - 缓存指标：按 tier（l1/l2）分组的命中与未命中。
  - 数据库指标：活跃/空闲连接数 Gauge、查询耗时 Histogram。
*/
package metrics
