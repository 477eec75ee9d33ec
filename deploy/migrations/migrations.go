// Package migrations 内嵌工作流存储的建表语句。每个文件只包含一条
// 语句，按文件名顺序执行。
package migrations

import (
	"embed"
	"sort"
)

//go:embed *.sql
var files embed.FS

// Statements 返回按文件名排序的迁移语句。
func Statements() ([]string, error) {
	entries, err := files.ReadDir(".")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	stmts := make([]string, 0, len(names))
	for _, name := range names {
		raw, err := files.ReadFile(name)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, string(raw))
	}
	return stmts, nil
}
