package gatomic

import (
	"sync/atomic"
	"unsafe"
)

func LoadPointer[T any](addr **T) *T {
	return (*T)(atomic.LoadPointer((*unsafe.Pointer)(unsafe.Pointer(addr))))
}

func StorePointer[T any](addr **T, val *T) {
	atomic.StorePointer((*unsafe.Pointer)(unsafe.Pointer(addr)), unsafe.Pointer(val))
}

func SwapPointer[T any](addr **T, val *T) (old *T) {
	return (*T)(atomic.SwapPointer((*unsafe.Pointer)(unsafe.Pointer(addr)), unsafe.Pointer(val)))
}

func CompareAndSwapPointer[T any](addr **T, old, new *T) (swapped bool) {
	return atomic.CompareAndSwapPointer(
		(*unsafe.Pointer)(unsafe.Pointer(addr)),
		unsafe.Pointer(old),
		unsafe.Pointer(new),
	)
}

func LoadUint64(x *uint64) uint64 {
	return atomic.LoadUint64(x)
}

func StoreUint64(x *uint64, v uint64) {
	atomic.StoreUint64(x, v)
}

func AddUint64(x *uint64, delta uint64) uint64 {
	return atomic.AddUint64(x, delta)
}

func CompareAndSwapUint64(x *uint64, old, new uint64) (swapped bool) {
	return atomic.CompareAndSwapUint64(x, old, new)
}
