//go:build windows

package gipc

// PipePath 派生 Windows 命名管道全名，namespace 在该平台上被忽略
func PipePath(namespace, name string) string {
	_ = namespace
	return `\\.\pipe\` + name
}
