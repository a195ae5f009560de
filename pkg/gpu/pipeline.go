package gpu

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/fluxorio/ekc/pkg/codec"
)

// EntryPoint is the kernel function every pipeline is bound to.
const EntryPoint = "main"

// Pipeline is a compiled kernel bound to a device. Execute calls are
// serialized; one image is in flight at a time.
type Pipeline struct {
	mu      sync.Mutex
	device  Device
	compute ComputePipeline
}

// Compile builds a pipeline from kernel source. A failure here means the
// worker cannot do any work.
func Compile(device Device, source string) (p *Pipeline, err error) {
	if device == nil {
		return nil, stageErr(StageCompile, fmt.Errorf("device is nil"))
	}
	defer recoverStage(StageCompile, &err)

	compute, err := device.CreateComputePipeline(ShaderDescriptor{
		Label:      "ekc-kernel",
		Source:     source,
		EntryPoint: EntryPoint,
	})
	if err != nil {
		return nil, stageErr(StageCompile, err)
	}
	return &Pipeline{device: device, compute: compute}, nil
}

// Execute runs the kernel over img and returns an output image of the same
// size. Every failure, including a panic inside the backend, is returned as
// a *StageError so the caller can drop just this task.
func (p *Pipeline) Execute(ctx context.Context, img codec.Image) (out codec.Image, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.compute == nil {
		return codec.Image{}, ErrNotCompiled
	}
	if err := p.validate(img); err != nil {
		return codec.Image{}, err
	}
	if err := ctx.Err(); err != nil {
		return codec.Image{}, stageErr(StageValidate, err)
	}

	stage := StageAllocate
	defer func() {
		if r := recover(); r != nil {
			out = codec.Image{}
			err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
		}
	}()

	size := Extent{Width: img.Width, Height: img.Height}

	input, err := p.device.CreateTexture(TextureDescriptor{
		Label:  "ekc-input",
		Size:   size,
		Format: TextureFormatRGBA8Unorm,
		Usage:  TextureUsageTextureBinding | TextureUsageCopyDst,
	})
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}
	defer input.Release()

	stage = StageUpload
	err = p.device.WriteTexture(input, img.Pixels, DataLayout{
		BytesPerRow:  UnpaddedBytesPerRow(img.Width),
		RowsPerImage: img.Height,
	}, size)
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}

	stage = StageAllocate
	output, err := p.device.CreateTexture(TextureDescriptor{
		Label:  "ekc-output",
		Size:   size,
		Format: TextureFormatRGBA8Unorm,
		Usage:  TextureUsageStorageBinding | TextureUsageCopySrc,
	})
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}
	defer output.Release()

	paddedStride := PaddedBytesPerRow(img.Width)
	readback, err := p.device.CreateBuffer(BufferDescriptor{
		Label: "ekc-readback",
		Size:  uint64(paddedStride) * uint64(img.Height),
		Usage: BufferUsageMapRead | BufferUsageCopyDst,
	})
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}
	defer readback.Release()

	stage = StageDispatch
	gx, gy := WorkgroupCount(img.Width, img.Height)
	err = p.device.Submit(ComputePass{
		Pipeline: p.compute,
		Bindings: []Binding{
			{Slot: 0, Texture: input},
			{Slot: 1, Texture: output},
		},
		Workgroups: [3]uint32{gx, gy, 1},
	}, TextureCopy{
		Source:      output,
		Destination: readback,
		Layout: DataLayout{
			BytesPerRow:  paddedStride,
			RowsPerImage: img.Height,
		},
		Extent: size,
	})
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}

	stage = StageReadback
	padded, err := p.device.ReadBuffer(readback)
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}
	pixels, err := StripRowPadding(padded, img.Width, img.Height, paddedStride)
	if err != nil {
		return codec.Image{}, stageErr(stage, err)
	}
	return codec.Image{Width: img.Width, Height: img.Height, Pixels: pixels}, nil
}

func (p *Pipeline) validate(img codec.Image) error {
	if img.Width == 0 || img.Height == 0 {
		return stageErr(StageValidate, ErrZeroSize)
	}
	if img.Width > MaxWidth {
		return stageErr(StageValidate, fmt.Errorf("width %d exceeds %d", img.Width, MaxWidth))
	}
	if err := img.Validate(); err != nil {
		return stageErr(StageValidate, err)
	}
	if limit := p.device.Limits().MaxTextureDimension2D; limit > 0 && (img.Width > limit || img.Height > limit) {
		return stageErr(StageValidate, fmt.Errorf("%dx%d exceeds device limit %d", img.Width, img.Height, limit))
	}
	return nil
}

// Device returns the device the pipeline runs on.
func (p *Pipeline) Device() Device { return p.device }

// Close releases the compiled kernel. The device is left open.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.compute != nil {
		p.compute.Release()
		p.compute = nil
	}
}

func recoverStage(stage Stage, err *error) {
	if r := recover(); r != nil {
		*err = &StageError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
	}
}
