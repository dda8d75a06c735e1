package patcher

import "fmt"

type hexAddr uintptr

func (a hexAddr) String() string {
	return fmt.Sprintf("%#x", uintptr(a))
}
