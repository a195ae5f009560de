//go:build !wgpu

package gpu

// Open acquires the highest-performance GPU device. This build carries no
// GPU backend; rebuild with -tags wgpu.
func Open() (Device, error) {
	return nil, ErrNoAdapter
}
