// Package gputest provides a software gpu.Device for tests. Kernels are Go
// functions keyed by their source text; the device enforces the same copy
// alignment rules as real hardware and leaves garbage in row padding so
// callers that forget to strip it are caught.
package gputest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fluxorio/ekc/pkg/gpu"
)

// PaddingByte fills readback buffers before a copy.
const PaddingByte = 0xCD

// Kernel computes one output texel. src returns the RGBA input texel at
// (x, y); it is only called with in-bounds coordinates.
type Kernel func(src func(x, y uint32) [4]byte, x, y uint32) [4]byte

// Invert flips the color channels and keeps alpha.
func Invert(src func(x, y uint32) [4]byte, x, y uint32) [4]byte {
	p := src(x, y)
	return [4]byte{255 - p[0], 255 - p[1], 255 - p[2], p[3]}
}

// Identity copies the input texel.
func Identity(src func(x, y uint32) [4]byte, x, y uint32) [4]byte {
	return src(x, y)
}

// InvertSource is a WGSL kernel whose software equivalent is Invert.
const InvertSource = `@group(0) @binding(0) var input_tex: texture_2d<f32>;
@group(0) @binding(1) var output_tex: texture_storage_2d<rgba8unorm, write>;

@compute @workgroup_size(16, 16)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let dims = textureDimensions(input_tex);
    if (id.x >= dims.x || id.y >= dims.y) {
        return;
    }
    let c = textureLoad(input_tex, vec2<i32>(id.xy), 0);
    textureStore(output_tex, vec2<i32>(id.xy), vec4<f32>(1.0 - c.rgb, c.a));
}
`

// Fault injects a failure into one device call.
type Fault struct {
	Op    string // "texture", "write", "buffer", "submit", "read"
	Err   error
	Panic bool
}

// Dispatch records one submitted compute pass.
type Dispatch struct {
	Workgroups  [3]uint32
	Slots       []uint32
	Invocations uint64
	CopyLayout  gpu.DataLayout
}

// Device is a software gpu.Device.
type Device struct {
	mu      sync.Mutex
	kernels map[string]Kernel
	limits  gpu.Limits
	faults  []Fault

	// Recorded activity.
	Uploads    []gpu.DataLayout
	Dispatches []Dispatch
	Live       int
	Closed     bool
}

// NewDevice creates a device that compiles the given sources.
func NewDevice(kernels map[string]Kernel) *Device {
	return &Device{
		kernels: kernels,
		limits:  gpu.Limits{MaxTextureDimension2D: 8192},
	}
}

// WithLimits overrides the reported device limits.
func (d *Device) WithLimits(l gpu.Limits) *Device {
	d.limits = l
	return d
}

// Inject queues a fault for the next call of f.Op.
func (d *Device) Inject(f Fault) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults = append(d.faults, f)
}

func (d *Device) fault(op string) error {
	for i, f := range d.faults {
		if f.Op != op {
			continue
		}
		d.faults = append(d.faults[:i], d.faults[i+1:]...)
		if f.Panic {
			panic(fmt.Sprintf("gputest: injected panic in %s", op))
		}
		if f.Err == nil {
			return errors.New("gputest: injected failure in " + op)
		}
		return f.Err
	}
	return nil
}

type texture struct {
	d     *Device
	size  gpu.Extent
	usage gpu.TextureUsage
	texel []byte
}

func (t *texture) Size() gpu.Extent { return t.size }
func (t *texture) Release()         { t.d.release() }

type buffer struct {
	d     *Device
	usage gpu.BufferUsage
	data  []byte
}

func (b *buffer) Size() uint64 { return uint64(len(b.data)) }
func (b *buffer) Release()     { b.d.release() }

type pipeline struct {
	d      *Device
	kernel Kernel
}

func (p *pipeline) Release() { p.d.release() }

func (d *Device) release() {
	d.mu.Lock()
	d.Live--
	d.mu.Unlock()
}

func (d *Device) Name() string       { return "gputest" }
func (d *Device) Limits() gpu.Limits { return d.limits }

func (d *Device) CreateComputePipeline(desc gpu.ShaderDescriptor) (gpu.ComputePipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if desc.EntryPoint != gpu.EntryPoint {
		return nil, fmt.Errorf("gputest: entry point %q not found", desc.EntryPoint)
	}
	k, ok := d.kernels[desc.Source]
	if !ok {
		return nil, errors.New("gputest: shader compilation failed: unknown source")
	}
	d.Live++
	return &pipeline{d: d, kernel: k}, nil
}

func (d *Device) CreateTexture(desc gpu.TextureDescriptor) (gpu.Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("texture"); err != nil {
		return nil, err
	}
	if desc.Format != gpu.TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("gputest: unsupported format %d", desc.Format)
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 {
		return nil, errors.New("gputest: zero-sized texture")
	}
	d.Live++
	return &texture{
		d:     d,
		size:  desc.Size,
		usage: desc.Usage,
		texel: make([]byte, uint64(desc.Size.Width)*uint64(desc.Size.Height)*4),
	}, nil
}

func (d *Device) WriteTexture(dst gpu.Texture, data []byte, layout gpu.DataLayout, size gpu.Extent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("write"); err != nil {
		return err
	}
	t := dst.(*texture)
	if t.usage&gpu.TextureUsageCopyDst == 0 {
		return errors.New("gputest: texture not writable")
	}
	row := uint64(size.Width) * 4
	if uint64(layout.BytesPerRow) < row {
		return fmt.Errorf("gputest: bytes per row %d < %d", layout.BytesPerRow, row)
	}
	for y := uint64(0); y < uint64(size.Height); y++ {
		src := layout.Offset + y*uint64(layout.BytesPerRow)
		if src+row > uint64(len(data)) {
			return fmt.Errorf("gputest: upload reads past %d bytes", len(data))
		}
		copy(t.texel[y*row:(y+1)*row], data[src:src+row])
	}
	d.Uploads = append(d.Uploads, layout)
	return nil
}

func (d *Device) CreateBuffer(desc gpu.BufferDescriptor) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("buffer"); err != nil {
		return nil, err
	}
	data := make([]byte, desc.Size)
	for i := range data {
		data[i] = PaddingByte
	}
	d.Live++
	return &buffer{d: d, usage: desc.Usage, data: data}, nil
}

func (d *Device) Submit(pass gpu.ComputePass, cp gpu.TextureCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("submit"); err != nil {
		return err
	}

	var in, out *texture
	rec := Dispatch{Workgroups: pass.Workgroups, CopyLayout: cp.Layout}
	for _, b := range pass.Bindings {
		rec.Slots = append(rec.Slots, b.Slot)
		switch b.Slot {
		case 0:
			in = b.Texture.(*texture)
		case 1:
			out = b.Texture.(*texture)
		}
	}
	if in == nil || out == nil {
		return errors.New("gputest: bindings 0 and 1 are required")
	}
	if out.usage&gpu.TextureUsageStorageBinding == 0 {
		return errors.New("gputest: output is not a storage texture")
	}
	k := pass.Pipeline.(*pipeline).kernel

	w, h := in.size.Width, in.size.Height
	src := func(x, y uint32) [4]byte {
		i := (uint64(y)*uint64(w) + uint64(x)) * 4
		return [4]byte{in.texel[i], in.texel[i+1], in.texel[i+2], in.texel[i+3]}
	}
	for gy := uint32(0); gy < pass.Workgroups[1]; gy++ {
		for gx := uint32(0); gx < pass.Workgroups[0]; gx++ {
			for ly := uint32(0); ly < gpu.WorkgroupSize; ly++ {
				for lx := uint32(0); lx < gpu.WorkgroupSize; lx++ {
					rec.Invocations++
					x, y := gx*gpu.WorkgroupSize+lx, gy*gpu.WorkgroupSize+ly
					if x >= w || y >= h {
						continue
					}
					p := k(src, x, y)
					i := (uint64(y)*uint64(w) + uint64(x)) * 4
					copy(out.texel[i:i+4], p[:])
				}
			}
		}
	}

	if cp.Layout.BytesPerRow%gpu.CopyBytesPerRowAlignment != 0 {
		return fmt.Errorf("gputest: bytes per row %d not aligned to %d", cp.Layout.BytesPerRow, gpu.CopyBytesPerRowAlignment)
	}
	dst := cp.Destination.(*buffer)
	if dst.usage&gpu.BufferUsageCopyDst == 0 {
		return errors.New("gputest: buffer is not a copy destination")
	}
	srcTex := cp.Source.(*texture)
	row := uint64(cp.Extent.Width) * 4
	for y := uint64(0); y < uint64(cp.Extent.Height); y++ {
		off := cp.Layout.Offset + y*uint64(cp.Layout.BytesPerRow)
		if off+row > uint64(len(dst.data)) {
			return fmt.Errorf("gputest: copy overruns buffer of %d bytes", len(dst.data))
		}
		copy(dst.data[off:off+row], srcTex.texel[y*row:(y+1)*row])
	}
	d.Dispatches = append(d.Dispatches, rec)
	return nil
}

func (d *Device) ReadBuffer(buf gpu.Buffer) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fault("read"); err != nil {
		return nil, err
	}
	b := buf.(*buffer)
	if b.usage&gpu.BufferUsageMapRead == 0 {
		return nil, errors.New("gputest: buffer is not mappable")
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

func (d *Device) Close() {
	d.mu.Lock()
	d.Closed = true
	d.mu.Unlock()
}

// LiveResources returns the number of unreleased objects.
func (d *Device) LiveResources() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Live
}
