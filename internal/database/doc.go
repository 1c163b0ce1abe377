// 版权所有 2024 KBRetrieval Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的 PostgreSQL 连接池管理，支持健康检查、
连接数指标上报与可重试查询。

# 概述

PoolManager 封装 GORM 与 database/sql 的连接池配置，统一管理连接
生命周期。后台健康检查定时 Ping 并把连接数写入 metrics.Collector，
Close 时等待健康检查 goroutine 退出。

# 核心类型

  - PoolManager：连接池管理器，提供 DB/Ping/Run/Stats/Close。
  - PoolConfig：连接池参数、健康检查间隔与最大尝试次数。
  - PoolStats：友好格式的连接池统计信息。

# 主要能力

  - Run：执行只读查询并记录 db_query_duration，遇到死锁、序列化失败
    或连接错误时按指数退避重试，context 取消立即返回。
  - IsRetryableError：基于错误消息的可重试判断。
  - OpenPostgres：以静默 gorm 日志打开 PostgreSQL 连接。
*/
package database
