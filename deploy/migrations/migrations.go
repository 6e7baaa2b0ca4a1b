// Package migrations 内嵌补全任务表的 MySQL 迁移脚本。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
