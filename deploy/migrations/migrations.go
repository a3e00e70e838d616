package migrations

import "embed"

// Files 暴露会话存储使用的 MySQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
