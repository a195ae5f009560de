// Package gpu runs image kernels on a GPU.
//
// Device is the contract the worker needs from a GPU runtime: compile WGSL
// source into a compute pipeline, allocate textures and buffers, submit a
// compute pass followed by a texture-to-buffer copy, and map a buffer back to
// host memory. Pipeline drives a Device through the fixed upload, dispatch and
// readback sequence for one image at a time.
//
// The WebGPU backend is built with the "wgpu" tag:
//
//	go build -tags wgpu ./cmd/ekc-worker
//
// Without it Open always fails with ErrNoAdapter.
package gpu

// TextureFormat enumerates the texture formats the pipeline uses.
type TextureFormat int

const (
	TextureFormatRGBA8Unorm TextureFormat = iota + 1
)

// TextureUsage is a bit set of texture usages.
type TextureUsage uint32

const (
	TextureUsageCopySrc TextureUsage = 1 << iota
	TextureUsageCopyDst
	TextureUsageTextureBinding
	TextureUsageStorageBinding
)

// BufferUsage is a bit set of buffer usages.
type BufferUsage uint32

const (
	BufferUsageMapRead BufferUsage = 1 << iota
	BufferUsageCopyDst
)

// Extent is a 2D size in texels.
type Extent struct {
	Width  uint32
	Height uint32
}

// DataLayout describes how texel rows are laid out in linear memory.
type DataLayout struct {
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

type TextureDescriptor struct {
	Label  string
	Size   Extent
	Format TextureFormat
	Usage  TextureUsage
}

type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage BufferUsage
}

// ShaderDescriptor is the source of a compute kernel and its entry point.
type ShaderDescriptor struct {
	Label      string
	Source     string
	EntryPoint string
}

// Limits are the device limits the pipeline checks before allocating.
type Limits struct {
	MaxTextureDimension2D uint32
}

type Texture interface {
	Size() Extent
	Release()
}

type Buffer interface {
	Size() uint64
	Release()
}

type ComputePipeline interface {
	Release()
}

// Binding attaches a texture to a slot of bind group 0.
type Binding struct {
	Slot    uint32
	Texture Texture
}

// ComputePass is a single dispatch of a compute pipeline.
type ComputePass struct {
	Pipeline   ComputePipeline
	Bindings   []Binding
	Workgroups [3]uint32
}

// TextureCopy copies a whole texture into a buffer.
type TextureCopy struct {
	Source      Texture
	Destination Buffer
	Layout      DataLayout
	Extent      Extent
}

// Device is a GPU runtime. Implementations need not be safe for concurrent
// use; Pipeline serializes access.
type Device interface {
	// Name identifies the adapter for logs.
	Name() string

	Limits() Limits

	// CreateComputePipeline compiles a kernel.
	CreateComputePipeline(desc ShaderDescriptor) (ComputePipeline, error)

	CreateTexture(desc TextureDescriptor) (Texture, error)

	// WriteTexture uploads host data into a texture.
	WriteTexture(dst Texture, data []byte, layout DataLayout, size Extent) error

	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// Submit records the pass and then the copy into one command buffer and
	// queues it.
	Submit(pass ComputePass, copy TextureCopy) error

	// ReadBuffer maps buf for reading, blocks until the queued work and the
	// mapping complete, and returns a copy of the contents.
	ReadBuffer(buf Buffer) ([]byte, error)

	Close()
}
