//go:build linux

package gipc

// PipePath 派生 Linux 抽象命名空间下的 unix socket 名字
// 首字符 '@' 由 x/sys/unix 转换为抽象地址的前导 0 字节
func PipePath(namespace, name string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return "@" + namespace + name
}
