package nvme

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// ControllerIdentity holds the fields this driver cares about from the
// 4 KiB Identify Controller data structure. Field offsets are grounded on
// _examples/dswarbrick-smart/nvme.go's nvmeIdentController struct (itself a
// byte-for-byte transcription of the NVMe base spec's Identify Controller
// layout); original_source/.../NVMe-Admin.c only ever reads the three string
// fields this struct also exposes.
type ControllerIdentity struct {
	SerialNumber string
	ModelNumber  string
	Firmware     string
}

// NamespaceIdentity holds the fields this driver needs from the Identify
// Namespace data structure: size in logical blocks and the active LBA
// format's block size exponent.
type NamespaceIdentity struct {
	NumSectors     uint64
	BytesPerSector uint32
}

func allocateIdentifyBuffer() (queueBuffer, bool) {
	return allocateQueueBuffer(0x1000)
}

func trimSpacePad(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}

// identifyController issues CNS=1 and decodes the serial/model/firmware
// strings, trimmed of their trailing space padding.
func (c *Controller) identifyController() (ControllerIdentity, bool) {
	buf, ok := allocateIdentifyBuffer()
	if !ok {
		return ControllerIdentity{}, false
	}
	defer buf.free()

	cmd := command{
		opcode: adminOpIdentify,
		nsid:   0,
		prp1:   uint64(buf.physical),
		cdw10:  cnsIdentifyController,
	}

	comp, ok := c.admin.submit(cmd)
	if !ok || !succeeded(comp.status) {
		return ControllerIdentity{}, false
	}

	data := buf.bytes()
	return ControllerIdentity{
		SerialNumber: trimSpacePad(data[4:24]),
		ModelNumber:  trimSpacePad(data[24:64]),
		Firmware:     trimSpacePad(data[64:72]),
	}, true
}

// identifyNamespace issues CNS=0 for nsid and decodes NSZE and the active
// LBA format's LBADS exponent into a concrete byte size, per spec.md
// (9 <= LBADS <= 16 required).
func (c *Controller) identifyNamespace(nsid uint32) (NamespaceIdentity, bool) {
	buf, ok := allocateIdentifyBuffer()
	if !ok {
		return NamespaceIdentity{}, false
	}
	defer buf.free()

	cmd := command{
		opcode: adminOpIdentify,
		nsid:   nsid,
		prp1:   uint64(buf.physical),
		cdw10:  cnsIdentifyNamespace,
	}

	comp, ok := c.admin.submit(cmd)
	if !ok || !succeeded(comp.status) {
		return NamespaceIdentity{}, false
	}

	data := buf.bytes()
	nsze := binary.LittleEndian.Uint64(data[0:8])
	flbas := data[26]
	formatIndex := flbas & 0x0f
	lbafOffset := 128 + int(formatIndex)*4
	lbafDescriptor := binary.LittleEndian.Uint32(data[lbafOffset : lbafOffset+4])
	lbads := uint8((lbafDescriptor >> 16) & 0xff)
	if lbads < 9 || lbads > 16 {
		return NamespaceIdentity{}, false
	}

	return NamespaceIdentity{
		NumSectors:     nsze,
		BytesPerSector: 1 << lbads,
	}, true
}

// identifyActiveNamespaces issues CNS=2 and returns up to 1024 active
// namespace IDs, stopping at the first zero entry per the NVMe base spec.
func (c *Controller) identifyActiveNamespaces() ([]uint32, bool) {
	buf, ok := allocateIdentifyBuffer()
	if !ok {
		return nil, false
	}
	defer buf.free()

	cmd := command{
		opcode: adminOpIdentify,
		nsid:   0,
		prp1:   uint64(buf.physical),
		cdw10:  cnsActiveNamespaceList,
	}

	comp, ok := c.admin.submit(cmd)
	if !ok || !succeeded(comp.status) {
		return nil, false
	}

	raw := buf.bytes()
	ids := unsafe.Slice((*uint32)(unsafe.Pointer(&raw[0])), 1024)
	var out []uint32
	for _, id := range ids {
		if id == 0 {
			break
		}
		out = append(out, id)
	}
	return out, true
}

// setNumberOfQueues issues the Set Features / Number of Queues admin
// command requesting count submission and completion queues (1-based, per
// the feature's own encoding which is 0-based on the wire).
func (c *Controller) setNumberOfQueues(count uint16) bool {
	requested := uint32(count - 1)
	cmd := command{
		opcode: adminOpSetFeatures,
		cdw10:  featureNumberOfQueues,
		cdw11:  requested<<16 | requested,
	}

	comp, ok := c.admin.submit(cmd)
	return ok && succeeded(comp.status)
}
