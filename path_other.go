//go:build !linux && !windows

package gipc

// PipePath 在不支持的平台上仍返回可读名字，创建端点时会得到 ErrPlatformNotSupported
func PipePath(namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + name
}
