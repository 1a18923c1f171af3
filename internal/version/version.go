// Package version 构建信息，通过 -ldflags -X 注入
package version

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
