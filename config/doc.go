// Package config 提供 KBRetrieval 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → .env 文件 → 环境变量 的顺序叠加，
// 加载完成后统一执行 Validate 与自定义验证器。
package config
