// Package vkrenderer is a renderer.Backend that hands each output's
// composed frame to a host-visible Vulkan image instead of a window or
// the headless software sink, so a downstream presentation layer (or a
// future swapchain) has a real device-resident copy to work from.
// Grounded on the teacher's VulkanBackend bootstrap (voodoo_vulkan.go's
// NewVulkanBackend/initVulkan/createInstance/selectPhysicalDevice/
// createDevice/findMemoryType): the same instance-then-device-then-
// memory sequence, the same host-visible/host-coherent memory search
// for a CPU-writable destination. The Voodoo rasterization pipeline
// itself (fixed-function register emulation, vertex buffers, render
// passes) has no analogue here — Present only ever uploads an already
// composed image.RGBA, it never draws triangles — so this package
// stops at the point the teacher's backend would start building its
// graphics pipeline. See DESIGN.md for that scope decision.
package vkrenderer

import (
	"fmt"
	"image"
	"sync"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// Backend uploads composed frames into one host-visible Vulkan image
// per output. It never reads the image back or presents it to a
// surface; that belongs to whatever swapchain-owning layer embeds it.
type Backend struct {
	mu             sync.Mutex
	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	queueFamily    uint32
	queue          vk.Queue

	initialized bool
	outputs     map[int]*outputImage
}

type outputImage struct {
	width, height int
	image         vk.Image
	memory        vk.DeviceMemory
	size          vk.DeviceSize
}

// New returns an uninitialized backend. Call Init before the first
// Present.
func New() *Backend {
	return &Backend{outputs: make(map[int]*outputImage)}
}

// Init loads the Vulkan library, creates an instance, picks a
// graphics-capable physical device, and opens a logical device and
// queue, mirroring initVulkan's first three steps. It stops there:
// there is no render pass, pipeline, or swapchain to build because
// this backend never rasterizes, only uploads finished frames.
func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return fmt.Errorf("vkrenderer: load vulkan library: %w", err)
	}
	if err := vk.Init(); err != nil {
		return fmt.Errorf("vkrenderer: init vulkan loader: %w", err)
	}

	if err := b.createInstance(); err != nil {
		return err
	}
	if err := b.selectPhysicalDevice(); err != nil {
		b.destroyInstance()
		return err
	}
	if err := b.createDevice(); err != nil {
		b.destroyInstance()
		return err
	}

	b.initialized = true
	return nil
}

func (b *Backend) createInstance() error {
	appInfo := vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		PApplicationName:   safeString("cube"),
		ApplicationVersion: vk.MakeVersion(1, 0, 0),
		PEngineName:        safeString("cube-vkrenderer"),
		EngineVersion:      vk.MakeVersion(1, 0, 0),
		ApiVersion:         vk.MakeVersion(1, 1, 0),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &appInfo,
	}
	var instance vk.Instance
	if res := vk.CreateInstance(&createInfo, nil, &instance); res != vk.Success {
		return fmt.Errorf("vkrenderer: vkCreateInstance failed: %d", res)
	}
	b.instance = instance
	vk.InitInstance(instance)
	return nil
}

func (b *Backend) destroyInstance() {
	if b.instance != nil {
		vk.DestroyInstance(b.instance, nil)
		b.instance = nil
	}
}

// selectPhysicalDevice picks the first device exposing a graphics
// queue family, the same linear scan as the teacher's
// selectPhysicalDevice; a compositor output sink has no preference
// among otherwise-equal GPUs.
func (b *Backend) selectPhysicalDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(b.instance, &count, nil)
	if count == 0 {
		return fmt.Errorf("vkrenderer: no vulkan-capable devices found")
	}
	devices := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(b.instance, &count, devices)

	for _, device := range devices {
		var qfCount uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &qfCount, nil)
		families := make([]vk.QueueFamilyProperties, qfCount)
		vk.GetPhysicalDeviceQueueFamilyProperties(device, &qfCount, families)
		for i, qf := range families {
			qf.Deref()
			if qf.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
				b.physicalDevice = device
				b.queueFamily = uint32(i)
				return nil
			}
		}
	}
	return fmt.Errorf("vkrenderer: no device with a graphics queue found")
}

func (b *Backend) createDevice() error {
	priority := float32(1.0)
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: b.queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{priority},
	}
	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}
	var device vk.Device
	if res := vk.CreateDevice(b.physicalDevice, &deviceInfo, nil, &device); res != vk.Success {
		return fmt.Errorf("vkrenderer: vkCreateDevice failed: %d", res)
	}
	b.device = device
	var queue vk.Queue
	vk.GetDeviceQueue(device, b.queueFamily, 0, &queue)
	b.queue = queue
	return nil
}

// Present implements renderer.Backend: it (re)creates the named
// output's host-visible image if the frame size changed, then copies
// frame's pixels straight into mapped device memory the same way
// vb.MapMemory/vk.Memcopy/vb.UnmapMemory stages vertex data in the
// teacher's UpdateVertexBuffer, just targeting an image instead of a
// vertex buffer.
func (b *Backend) Present(outputIndex int, frame *image.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return fmt.Errorf("vkrenderer: Present called before Init")
	}

	w, h := frame.Bounds().Dx(), frame.Bounds().Dy()
	out, ok := b.outputs[outputIndex]
	if !ok || out.width != w || out.height != h {
		if ok {
			b.destroyOutputImage(out)
		}
		var err error
		out, err = b.createOutputImage(w, h)
		if err != nil {
			return err
		}
		b.outputs[outputIndex] = out
	}

	return b.upload(out, frame.Pix)
}

func (b *Backend) createOutputImage(w, h int) (*outputImage, error) {
	imageInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    vk.FormatR8g8b8a8Unorm,
		Extent:    vk.Extent3D{Width: uint32(w), Height: uint32(h), Depth: 1},
		MipLevels:   1,
		ArrayLayers: 1,
		Samples:     vk.SampleCount1Bit,
		Tiling:      vk.ImageTilingLinear,
		Usage:       vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit),
		InitialLayout: vk.ImageLayoutPreinitialized,
	}
	var img vk.Image
	if res := vk.CreateImage(b.device, &imageInfo, nil, &img); res != vk.Success {
		return nil, fmt.Errorf("vkrenderer: vkCreateImage failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(b.device, img, &memReqs)
	memReqs.Deref()

	typeIdx, err := b.findMemoryType(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit|vk.MemoryPropertyHostCoherentBit))
	if err != nil {
		vk.DestroyImage(b.device, img, nil)
		return nil, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: typeIdx,
	}
	var mem vk.DeviceMemory
	if res := vk.AllocateMemory(b.device, &allocInfo, nil, &mem); res != vk.Success {
		vk.DestroyImage(b.device, img, nil)
		return nil, fmt.Errorf("vkrenderer: vkAllocateMemory failed: %d", res)
	}
	vk.BindImageMemory(b.device, img, mem, 0)

	return &outputImage{width: w, height: h, image: img, memory: mem, size: memReqs.Size}, nil
}

func (b *Backend) destroyOutputImage(out *outputImage) {
	if out.memory != nil {
		vk.FreeMemory(b.device, out.memory, nil)
	}
	if out.image != nil {
		vk.DestroyImage(b.device, out.image, nil)
	}
}

func (b *Backend) upload(out *outputImage, pix []byte) error {
	var data unsafe.Pointer
	if res := vk.MapMemory(b.device, out.memory, 0, out.size, 0, &data); res != vk.Success {
		return fmt.Errorf("vkrenderer: vkMapMemory failed: %d", res)
	}
	n := len(pix)
	if vk.DeviceSize(n) > out.size {
		n = int(out.size)
	}
	vk.Memcopy(data, pix[:n])
	vk.UnmapMemory(b.device, out.memory)
	return nil
}

func (b *Backend) findMemoryType(typeFilter uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(b.physicalDevice, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (memProps.MemoryTypes[i].PropertyFlags&properties) == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vkrenderer: no suitable memory type for flags %v", properties)
}

// Close tears down every output image and the device/instance, in the
// reverse order Init and Present brought them up.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, out := range b.outputs {
		b.destroyOutputImage(out)
	}
	b.outputs = make(map[int]*outputImage)
	if b.device != nil {
		vk.DestroyDevice(b.device, nil)
		b.device = nil
	}
	b.destroyInstance()
	b.initialized = false
	return nil
}

func safeString(s string) string {
	return s + "\x00"
}
