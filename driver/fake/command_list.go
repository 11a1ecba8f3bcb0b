package fake

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpustage/driver"
)

type command interface {
	execute() error
}

type copyBufferCommand struct {
	dst, src             *Resource
	dstOffset, srcOffset uint64
	numBytes             uint64
}

func (c copyBufferCommand) execute() error {
	if c.dst.released || c.src.released {
		return errors.New("CopyBufferRegion executed against a released resource")
	}
	if c.srcOffset+c.numBytes > uint64(len(c.src.data)) {
		return errors.Newf("CopyBufferRegion reads [%d, %d) from a %d byte source", c.srcOffset, c.srcOffset+c.numBytes, len(c.src.data))
	}
	if c.dstOffset+c.numBytes > uint64(len(c.dst.data)) {
		return errors.Newf("CopyBufferRegion writes [%d, %d) to a %d byte destination", c.dstOffset, c.dstOffset+c.numBytes, len(c.dst.data))
	}

	copy(c.dst.data[c.dstOffset:c.dstOffset+c.numBytes], c.src.data[c.srcOffset:c.srcOffset+c.numBytes])
	return nil
}

type copyTextureCommand struct {
	device     *Device
	dst, src   driver.TextureCopyLocation
	dstX, dstY uint32
}

// footprint resolves a copy location to the resource backing it and the layout of the addressed bytes
func (c copyTextureCommand) footprint(location driver.TextureCopyLocation) (*Resource, driver.PlacedSubresourceFootprint, uint64) {
	resource := location.Resource.(*Resource)
	if location.Type == driver.TextureCopyTypePlacedFootprint {
		footprint := location.PlacedFootprint.Footprint
		rowSize := uint64(footprint.Width) * uint64(footprint.Format.BytesPerTexel())
		return resource, location.PlacedFootprint, rowSize
	}

	layout := c.device.CopyableFootprints(resource.desc, location.SubresourceIndex, 1, 0)
	offset := c.device.CopyableFootprints(resource.desc, 0, location.SubresourceIndex+1, 0).Layouts[location.SubresourceIndex].Offset
	placed := layout.Layouts[0]
	placed.Offset = offset
	return resource, placed, layout.RowSizes[0]
}

func (c copyTextureCommand) execute() error {
	dst, dstLayout, _ := c.footprint(c.dst)
	src, srcLayout, rowSize := c.footprint(c.src)
	if dst.released || src.released {
		return errors.New("CopyTextureRegion executed against a released resource")
	}

	bytesPerTexel := uint64(dstLayout.Footprint.Format.BytesPerTexel())
	rows := srcLayout.Footprint.Height * srcLayout.Footprint.Depth
	for row := uint32(0); row < rows; row++ {
		srcStart := srcLayout.Offset + uint64(row)*uint64(srcLayout.Footprint.RowPitch)
		dstStart := dstLayout.Offset + uint64(row+c.dstY)*uint64(dstLayout.Footprint.RowPitch) + uint64(c.dstX)*bytesPerTexel

		if srcStart+rowSize > uint64(len(src.data)) || dstStart+rowSize > uint64(len(dst.data)) {
			return errors.Newf("CopyTextureRegion row %d is out of bounds", row)
		}
		copy(dst.data[dstStart:dstStart+rowSize], src.data[srcStart:srcStart+rowSize])
	}

	return nil
}

type CommandAllocator struct {
	device   *Device
	listType driver.CommandListType
	inFlight int
	released bool
}

var _ driver.CommandAllocator = &CommandAllocator{}

// Reset fails while any list recorded into this allocator is still waiting to execute
func (a *CommandAllocator) Reset() error {
	a.device.mu.Lock()
	defer a.device.mu.Unlock()

	if a.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}
	if a.inFlight > 0 {
		return errors.Newf("E_FAIL: command allocator reset with %d submissions in flight", a.inFlight)
	}

	return nil
}

func (a *CommandAllocator) Release() {
	a.device.mu.Lock()
	defer a.device.mu.Unlock()

	a.device.releaseLocked(&a.released, "command allocator")
}

type CommandList struct {
	device    *Device
	listType  driver.CommandListType
	allocator *CommandAllocator
	recording bool
	commands  []command
	barriers  int
	released  bool
}

var _ driver.CommandList = &CommandList{}

// Recording returns true between Reset and Close
func (l *CommandList) Recording() bool {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	return l.recording
}

// Barriers returns the number of resource barriers recorded since the last Reset
func (l *CommandList) Barriers() int {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	return l.barriers
}

func (l *CommandList) Reset(allocator driver.CommandAllocator) error {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	if l.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}
	if l.recording {
		return errors.New("E_FAIL: command list reset while recording")
	}

	l.allocator = allocator.(*CommandAllocator)
	l.recording = true
	// Submitted work keeps its own view of the old commands
	l.commands = nil
	l.barriers = 0
	return nil
}

func (l *CommandList) Close() error {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	if l.device.removed != nil {
		return errors.WithStack(ErrDeviceRemoved)
	}
	if !l.recording {
		return errors.New("E_FAIL: command list closed twice")
	}

	l.recording = false
	return nil
}

func (l *CommandList) record(cmd command) {
	if !l.recording {
		l.device.removed = errors.Wrap(ErrDeviceRemoved, "a command was recorded into a closed command list")
		return
	}

	l.commands = append(l.commands, cmd)
}

func (l *CommandList) CopyBufferRegion(dst driver.Resource, dstOffset uint64, src driver.Resource, srcOffset uint64, numBytes uint64) {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	l.record(copyBufferCommand{
		dst:       dst.(*Resource),
		src:       src.(*Resource),
		dstOffset: dstOffset,
		srcOffset: srcOffset,
		numBytes:  numBytes,
	})
}

func (l *CommandList) CopyTextureRegion(dst driver.TextureCopyLocation, dstX, dstY, dstZ uint32, src driver.TextureCopyLocation) {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	l.record(copyTextureCommand{
		device: l.device,
		dst:    dst,
		src:    src,
		dstX:   dstX,
		dstY:   dstY,
	})
}

func (l *CommandList) ResourceBarrier(resource driver.Resource, before, after driver.ResourceState) {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	if !l.recording {
		l.device.removed = errors.Wrap(ErrDeviceRemoved, "a barrier was recorded into a closed command list")
		return
	}
	l.barriers++
}

func (l *CommandList) Release() {
	l.device.mu.Lock()
	defer l.device.mu.Unlock()

	l.device.releaseLocked(&l.released, "command list")
}
