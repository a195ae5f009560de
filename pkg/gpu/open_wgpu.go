//go:build wgpu

package gpu

import (
	"errors"
	"fmt"

	"github.com/rajveermalviya/go-webgpu/wgpu"
)

// Open acquires the highest-performance GPU device through WebGPU.
func Open() (Device, error) {
	instance := wgpu.CreateInstance(nil)
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreference_HighPerformance,
	})
	if err != nil || adapter == nil {
		instance.Release()
		return nil, errors.Join(ErrNoAdapter, err)
	}
	device, err := adapter.RequestDevice(nil)
	if err != nil || device == nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Join(ErrNoDevice, err)
	}
	return &wgpuDevice{
		instance: instance,
		adapter:  adapter,
		device:   device,
		queue:    device.GetQueue(),
		name:     adapter.GetProperties().Name,
		limits: Limits{
			MaxTextureDimension2D: device.GetLimits().Limits.MaxTextureDimension2D,
		},
	}, nil
}

type wgpuDevice struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	name     string
	limits   Limits
}

type wgpuTexture struct {
	tex  *wgpu.Texture
	size Extent
}

func (t *wgpuTexture) Size() Extent { return t.size }
func (t *wgpuTexture) Release()     { t.tex.Release() }

type wgpuBuffer struct {
	buf  *wgpu.Buffer
	size uint64
}

func (b *wgpuBuffer) Size() uint64 { return b.size }
func (b *wgpuBuffer) Release()     { b.buf.Release() }

type wgpuPipeline struct {
	module   *wgpu.ShaderModule
	pipeline *wgpu.ComputePipeline
}

func (p *wgpuPipeline) Release() {
	p.pipeline.Release()
	p.module.Release()
}

func (d *wgpuDevice) Name() string   { return d.name }
func (d *wgpuDevice) Limits() Limits { return d.limits }

func (d *wgpuDevice) CreateComputePipeline(desc ShaderDescriptor) (ComputePipeline, error) {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          desc.Label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: desc.Source},
	})
	if err != nil {
		return nil, err
	}
	pipeline, err := d.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label: desc.Label,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: desc.EntryPoint,
		},
	})
	if err != nil {
		module.Release()
		return nil, err
	}
	return &wgpuPipeline{module: module, pipeline: pipeline}, nil
}

func (d *wgpuDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
	if desc.Format != TextureFormatRGBA8Unorm {
		return nil, fmt.Errorf("unsupported texture format %d", desc.Format)
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label:         desc.Label,
		Usage:         textureUsage(desc.Usage),
		Dimension:     wgpu.TextureDimension_2D,
		Size:          wgpu.Extent3D{Width: desc.Size.Width, Height: desc.Size.Height, DepthOrArrayLayers: 1},
		Format:        wgpu.TextureFormat_RGBA8Unorm,
		MipLevelCount: 1,
		SampleCount:   1,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuTexture{tex: tex, size: desc.Size}, nil
}

func (d *wgpuDevice) WriteTexture(dst Texture, data []byte, layout DataLayout, size Extent) error {
	t, ok := dst.(*wgpuTexture)
	if !ok {
		return fmt.Errorf("foreign texture %T", dst)
	}
	d.queue.WriteTexture(t.tex.AsImageCopy(), data, &wgpu.TextureDataLayout{
		Offset:       layout.Offset,
		BytesPerRow:  layout.BytesPerRow,
		RowsPerImage: layout.RowsPerImage,
	}, &wgpu.Extent3D{Width: size.Width, Height: size.Height, DepthOrArrayLayers: 1})
	return nil
}

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Usage: bufferUsage(desc.Usage),
		Size:  desc.Size,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuBuffer{buf: buf, size: desc.Size}, nil
}

func (d *wgpuDevice) Submit(pass ComputePass, cp TextureCopy) error {
	p, ok := pass.Pipeline.(*wgpuPipeline)
	if !ok {
		return fmt.Errorf("foreign pipeline %T", pass.Pipeline)
	}
	src, ok := cp.Source.(*wgpuTexture)
	if !ok {
		return fmt.Errorf("foreign texture %T", cp.Source)
	}
	dst, ok := cp.Destination.(*wgpuBuffer)
	if !ok {
		return fmt.Errorf("foreign buffer %T", cp.Destination)
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(pass.Bindings))
	for _, b := range pass.Bindings {
		t, ok := b.Texture.(*wgpuTexture)
		if !ok {
			return fmt.Errorf("foreign texture %T at binding %d", b.Texture, b.Slot)
		}
		view, err := t.tex.CreateView(nil)
		if err != nil {
			return fmt.Errorf("binding %d view: %w", b.Slot, err)
		}
		defer view.Release()
		entries = append(entries, wgpu.BindGroupEntry{Binding: b.Slot, TextureView: view})
	}

	layout := p.pipeline.GetBindGroupLayout(0)
	defer layout.Release()
	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("bind group: %w", err)
	}
	defer group.Release()

	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	defer encoder.Release()

	cpass := encoder.BeginComputePass(nil)
	cpass.SetPipeline(p.pipeline)
	cpass.SetBindGroup(0, group, nil)
	cpass.DispatchWorkgroups(pass.Workgroups[0], pass.Workgroups[1], pass.Workgroups[2])
	cpass.End()
	cpass.Release()

	encoder.CopyTextureToBuffer(
		src.tex.AsImageCopy(),
		&wgpu.ImageCopyBuffer{
			Buffer: dst.buf,
			Layout: wgpu.TextureDataLayout{
				Offset:       cp.Layout.Offset,
				BytesPerRow:  cp.Layout.BytesPerRow,
				RowsPerImage: cp.Layout.RowsPerImage,
			},
		},
		&wgpu.Extent3D{Width: cp.Extent.Width, Height: cp.Extent.Height, DepthOrArrayLayers: 1},
	)

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return err
	}
	defer cmd.Release()
	d.queue.Submit(cmd)
	return nil
}

func (d *wgpuDevice) ReadBuffer(buf Buffer) ([]byte, error) {
	b, ok := buf.(*wgpuBuffer)
	if !ok {
		return nil, fmt.Errorf("foreign buffer %T", buf)
	}

	var status wgpu.BufferMapAsyncStatus
	done := false
	b.buf.MapAsync(wgpu.MapMode_Read, 0, b.size, func(s wgpu.BufferMapAsyncStatus) {
		status = s
		done = true
	})
	for !done {
		d.device.Poll(true, nil)
	}
	if status != wgpu.BufferMapAsyncStatus_Success {
		return nil, fmt.Errorf("map readback buffer: status %d", status)
	}
	defer b.buf.Unmap()

	mapped := b.buf.GetMappedRange(0, uint(b.size))
	out := make([]byte, len(mapped))
	copy(out, mapped)
	return out, nil
}

func (d *wgpuDevice) Close() {
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
}

func textureUsage(u TextureUsage) wgpu.TextureUsage {
	var out wgpu.TextureUsage
	if u&TextureUsageCopySrc != 0 {
		out |= wgpu.TextureUsage_CopySrc
	}
	if u&TextureUsageCopyDst != 0 {
		out |= wgpu.TextureUsage_CopyDst
	}
	if u&TextureUsageTextureBinding != 0 {
		out |= wgpu.TextureUsage_TextureBinding
	}
	if u&TextureUsageStorageBinding != 0 {
		out |= wgpu.TextureUsage_StorageBinding
	}
	return out
}

func bufferUsage(u BufferUsage) wgpu.BufferUsage {
	var out wgpu.BufferUsage
	if u&BufferUsageMapRead != 0 {
		out |= wgpu.BufferUsage_MapRead
	}
	if u&BufferUsageCopyDst != 0 {
		out |= wgpu.BufferUsage_CopyDst
	}
	return out
}
