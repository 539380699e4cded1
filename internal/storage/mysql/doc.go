// Package mysql 提供基于 MySQL 的会话摘要存储，启动时自动执行嵌入的迁移。
package mysql
