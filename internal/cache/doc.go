// 版权所有 2024 KBRetrieval Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供两级缓存：进程内有界 LRU（L1）与可选的 Redis 缓存（L2）。

# 概述

查询向量缓存是检索链路中唯一跨请求共享的可变状态。L1 由 LRU 提供，
基于 golang-lru 的 simplelru，在互斥锁保护下读写，过期项在读取时惰性删除，
不启动后台清理线程。L2 由 Manager 封装 go-redis 客户端，供多实例共享向量。

# 核心类型

  - LRU：泛型有界缓存，支持 TTL、Get/Add/Remove/Purge。
  - Manager：Redis 缓存管理器，提供 Get/Set/Delete 与 GetJSON/SetJSON，
    所有 key 自动追加配置的前缀。
  - Config：Redis 地址、密码、连接池、默认 TTL 与健康检查间隔。

# 主要能力

  - 惰性过期：LRU 在 Get 时检查 TTL 并移除过期项。
  - 健康检查：Manager 后台定时 Ping，Close 时等待其退出。
  - 错误语义：ErrCacheMiss / ErrClosed 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
