package nvme

import "encoding/binary"

// Admin and I/O opcodes used by this driver. Grounded on the NVMe base spec
// and original_source/kernel/include/drivers/NVMe-Core.h's naming (the admin
// submission layout and identify CNS values mirror NVMe-Admin.c verbatim).
const (
	adminOpCreateIoCQ   = 0x05
	adminOpCreateIoSQ   = 0x01
	adminOpIdentify     = 0x06
	adminOpSetFeatures  = 0x09

	ioOpWrite = 0x01
	ioOpRead  = 0x02
	ioOpNoop  = 0x08

	cnsIdentifyNamespace = 0
	cnsIdentifyController = 1
	cnsActiveNamespaceList = 2

	featureNumberOfQueues = 0x07

	sqFlagsPC = 1 << 0
	cqFlagsPC = 1 << 0
	cqFlagsIEN = 1 << 1
)

// command is the 64-byte submission queue entry. Encoded to/from the raw
// queue memory with encoding/binary rather than cast onto a Go struct,
// the same approach dswarbrick-go-nvme/nvme/nvme.go uses for identify data,
// because Go struct layout does not reproduce a packed on-disk format.
type command struct {
	opcode    uint8
	flags     uint8
	commandID uint16
	nsid      uint32
	cdw2      uint32
	cdw3      uint32
	mptr      uint64
	prp1      uint64
	prp2      uint64
	cdw10     uint32
	cdw11     uint32
	cdw12     uint32
	cdw13     uint32
	cdw14     uint32
	cdw15     uint32
}

const commandSize = 64

func (c *command) encodeInto(buf []byte) {
	buf[0] = c.opcode
	buf[1] = c.flags
	binary.LittleEndian.PutUint16(buf[2:4], c.commandID)
	binary.LittleEndian.PutUint32(buf[4:8], c.nsid)
	binary.LittleEndian.PutUint32(buf[8:12], c.cdw2)
	binary.LittleEndian.PutUint32(buf[12:16], c.cdw3)
	binary.LittleEndian.PutUint64(buf[16:24], c.mptr)
	binary.LittleEndian.PutUint64(buf[24:32], c.prp1)
	binary.LittleEndian.PutUint64(buf[32:40], c.prp2)
	binary.LittleEndian.PutUint32(buf[40:44], c.cdw10)
	binary.LittleEndian.PutUint32(buf[44:48], c.cdw11)
	binary.LittleEndian.PutUint32(buf[48:52], c.cdw12)
	binary.LittleEndian.PutUint32(buf[52:56], c.cdw13)
	binary.LittleEndian.PutUint32(buf[56:60], c.cdw14)
	binary.LittleEndian.PutUint32(buf[60:64], c.cdw15)
}

// completion is the 16-byte completion queue entry.
type completion struct {
	result    uint32
	sqHead    uint16
	sqID      uint16
	commandID uint16
	status    uint16
}

const completionSize = 16

func decodeCompletion(buf []byte) completion {
	return completion{
		result:    binary.LittleEndian.Uint32(buf[0:4]),
		sqHead:    binary.LittleEndian.Uint16(buf[8:10]),
		sqID:      binary.LittleEndian.Uint16(buf[10:12]),
		commandID: binary.LittleEndian.Uint16(buf[12:14]),
		status:    binary.LittleEndian.Uint16(buf[14:16]),
	}
}

func encodeCompletion(c completion, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], c.result)
	binary.LittleEndian.PutUint16(buf[8:10], c.sqHead)
	binary.LittleEndian.PutUint16(buf[10:12], c.sqID)
	binary.LittleEndian.PutUint16(buf[12:14], c.commandID)
	binary.LittleEndian.PutUint16(buf[14:16], c.status)
}

// phaseBit extracts the phase tag from a completion's raw status field.
func phaseBit(status uint16) uint8 { return uint8(status & 1) }

// statusCode unpacks a completion's status into (SC, SCT, more, dnr), per
// the bit layout in the NVMe base spec (bit 0 is the phase tag; the status
// code proper occupies bits 1..15).
func statusCode(status uint16) (sc uint8, sct uint8, more bool, dnr bool) {
	s := status >> 1
	sc = uint8(s & 0xff)
	sct = uint8((s >> 8) & 0x7)
	more = (s>>13)&0x1 != 0
	dnr = (s>>14)&0x1 != 0
	return
}

// succeeded reports whether a completion's SCT||SC fields are both zero.
func succeeded(status uint16) bool {
	sc, sct, _, _ := statusCode(status)
	return sc == 0 && sct == 0
}
