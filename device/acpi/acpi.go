// Package acpi locates and parses the ACPI static tables (RSDP, RSDT/XSDT,
// MADT, FADT, and the small slice of the DSDT needed for S5 shutdown) that
// describe the system's interrupt-routing topology.
package acpi

import (
	"exoscore/device"
	"exoscore/device/acpi/table"
	"exoscore/kernel"
	"exoscore/kernel/hal"
	"exoscore/kernel/kfmt"
	"io"
	"unsafe"
)

const (
	acpiRev1     uint8 = 0
	acpiRev2Plus uint8 = 2
)

var (
	errMissingRSDP           = &kernel.Error{Module: "acpi", Message: "could not locate ACPI RSDP"}
	errTableChecksumMismatch = &kernel.Error{Module: "acpi", Message: "detected checksum mismatch while parsing ACPI table header"}

	// mapFn/unmapFn/readPhysFn are the ACPI package's own seam onto the
	// hal external-interface contracts, mirroring the pattern already
	// used by this package's older revisions: tests assign these
	// directly instead of going through hal's in-process arena, since a
	// physical address during RSDP discovery is, for test purposes,
	// simply the address of a Go-allocated buffer.
	mapFn      = hal.MapIOMemoryFn
	unmapFn    = hal.UnmapIOMemoryFn
	readPhysFn = hal.ReadPhysicalMemoryFn

	// BootRSDPAddr, if non-zero, is a bootloader-supplied physical RSDP
	// address that bypasses EBDA/BIOS-area scanning entirely.
	BootRSDPAddr uintptr

	// RSDP must be located in the physical memory region 0xe0000 to
	// 0xfffff when no bootloader hint or EBDA copy is found.
	rsdpLocationLow uintptr = 0xe0000
	rsdpLocationHi  uintptr = 0xfffff
	rsdpAlignment   uintptr = 16

	ebdaSegmentPtr uintptr = 0x40e
	ebdaScanLength uintptr = 1024

	rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}
	fadtSignature = "FACP"
	madtSignature = "APIC"
	dsdtSignature = "DSDT"
)

// Config holds every piece of ACPI-derived configuration the interrupt
// controller needs. Apart from IoApicInfo.MaxRedirEntry, which the
// interrupt controller fills in, it is not changed once DriverInit returns.
type Config struct {
	Valid bool

	UseLAPIC      bool
	UseIOAPIC     bool
	LapicPhysAddr uintptr

	LapicCount    int
	IoApicCount   int
	OverrideCount int

	S5Available bool
	SlpTypS5a   uint8
	SlpTypS5b   uint8

	IoApics    [8]IoApicInfo
	LocalApics [32]LocalApicInfo
	Overrides  [24]InterruptOverride
}

// IoApicInfo describes a single I/O APIC discovered via the MADT.
type IoApicInfo struct {
	ID uint8

	// PhysAddr is the I/O APIC's MMIO base address.
	PhysAddr uintptr

	// GSIBase is the first global system interrupt this controller owns.
	GSIBase uint32

	// MaxRedirEntry is filled lazily by the interrupt controller once it
	// has mapped and probed the controller's VERSION register.
	MaxRedirEntry uint8
}

// LocalApicInfo describes a single processor's local APIC.
type LocalApicInfo struct {
	ProcessorID uint8
	ApicID      uint8
	Flags       uint32
}

// InterruptOverride remaps a legacy ISA IRQ to a different global system
// interrupt, trigger mode, and polarity.
type InterruptOverride struct {
	Bus                   uint8
	SourceIRQ             uint8
	GlobalSystemInterrupt uint32

	// Flags holds the raw MPS INTI bits: polarity in bits 0-1, trigger
	// mode in bits 2-3.
	Flags uint16
}

type acpiDriver struct {
	rsdtAddr uintptr
	useXSDT  bool

	tableMap map[string]*table.SDTHeader

	config Config
}

// DriverInit initializes this driver: it maps every static table reachable
// from the RSDT/XSDT, then parses the MADT and the _S5 package from the
// DSDT.
func (drv *acpiDriver) DriverInit(w io.Writer) *kernel.Error {
	if err := drv.enumerateTables(w); err != nil {
		return err
	}

	drv.printTableInfo(w)

	drv.parseMADT()
	drv.parseS5()
	drv.config.Valid = true

	return nil
}

// DriverName returns the name of this driver.
func (*acpiDriver) DriverName() string {
	return "ACPI"
}

// DriverVersion returns the version of this driver.
func (*acpiDriver) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// Config returns the parsed ACPI configuration. It is only meaningful after
// DriverInit has completed successfully.
func (drv *acpiDriver) Config() *Config {
	return &drv.config
}

// FindTable returns the header for the ACPI table with the given 4-byte
// signature, or nil if it was not found during enumeration.
func (drv *acpiDriver) FindTable(signature string) *table.SDTHeader {
	return drv.tableMap[signature]
}

func (drv *acpiDriver) printTableInfo(w io.Writer) {
	for name, header := range drv.tableMap {
		kfmt.Fprintf(w, "%s at 0x%16x %6x (%6s %8s)\n",
			name,
			uintptr(unsafe.Pointer(header)),
			header.Length,
			string(header.OEMID[:]),
			string(header.OEMTableID[:]),
		)
	}
}

// enumerateTables discovers and maps every ACPI table reachable from the
// RSDT/XSDT, plus the DSDT referenced by the FADT.
func (drv *acpiDriver) enumerateTables(w io.Writer) *kernel.Error {
	header, sizeofHeader, err := mapACPITable(drv.rsdtAddr)
	if err != nil {
		return err
	}

	drv.tableMap = make(map[string]*table.SDTHeader)

	var (
		acpiRev      = header.Revision
		payloadLen   = header.Length - uint32(sizeofHeader)
		sdtAddresses []uintptr
	)

	switch drv.useXSDT {
	case true:
		sdtAddresses = make([]uintptr, payloadLen>>3)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+8, i+1 {
			sdtAddresses[i] = uintptr(*(*uint64)(unsafe.Pointer(curPtr)))
		}
	default:
		sdtAddresses = make([]uintptr, payloadLen>>2)
		for curPtr, i := drv.rsdtAddr+sizeofHeader, 0; i < len(sdtAddresses); curPtr, i = curPtr+4, i+1 {
			sdtAddresses[i] = uintptr(*(*uint32)(unsafe.Pointer(curPtr)))
		}
	}

	for _, addr := range sdtAddresses {
		if header, _, err = mapACPITable(addr); err != nil {
			switch err {
			case errTableChecksumMismatch:
				kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
					string(header.Signature[:]),
					uintptr(unsafe.Pointer(header)),
					header.Length,
				)
				continue
			default:
				return err
			}
		}

		signature := string(header.Signature[:])
		drv.tableMap[signature] = header

		if signature == fadtSignature {
			fadt := (*table.FADT)(unsafe.Pointer(header))

			dsdtAddr := uintptr(fadt.Dsdt)
			if acpiRev >= acpiRev2Plus {
				dsdtAddr = uintptr(fadt.Ext.Dsdt)
			}

			if header, _, err = mapACPITable(dsdtAddr); err != nil {
				switch err {
				case errTableChecksumMismatch:
					kfmt.Fprintf(w, "%s at 0x%16x %6x [checksum mismatch; skipping]\n",
						string(header.Signature[:]),
						uintptr(unsafe.Pointer(header)),
						header.Length,
					)
					continue
				default:
					return err
				}
			}

			drv.tableMap[string(header.Signature[:])] = header
		}
	}

	return nil
}

// parseMADT walks the Multiple APIC Description Table and populates the
// bounded Config arrays. Entries beyond an array's capacity are dropped
// silently (the original firmware data is still sound; this core simply
// does not track more than the declared maximum).
func (drv *acpiDriver) parseMADT() {
	header := drv.tableMap[madtSignature]
	if header == nil {
		return
	}

	madt := (*table.MADT)(unsafe.Pointer(header))
	drv.config.LapicPhysAddr = uintptr(madt.LocalControllerAddress)

	base := uintptr(unsafe.Pointer(header)) + unsafe.Sizeof(table.MADT{})
	total := uintptr(header.Length) - unsafe.Sizeof(table.MADT{})

	var offset uintptr
	for offset < total {
		entry := (*table.MADTEntry)(unsafe.Pointer(base + offset))
		if entry.Length == 0 {
			break
		}

		body := unsafe.Pointer(base + offset + unsafe.Sizeof(table.MADTEntry{}))

		// MADT entries are packed, unaligned wire structures; read them
		// byte-by-byte rather than casting onto Go structs, whose field
		// alignment would not match the on-disk layout.
		switch entry.Type {
		case table.MADTEntryTypeLocalAPIC:
			if drv.config.LapicCount < len(drv.config.LocalApics) {
				drv.config.LocalApics[drv.config.LapicCount] = LocalApicInfo{
					ProcessorID: readU8(body, 0),
					ApicID:      readU8(body, 1),
					Flags:       readU32(body, 2),
				}
				drv.config.LapicCount++
			}
		case table.MADTEntryTypeIOAPIC:
			if drv.config.IoApicCount < len(drv.config.IoApics) {
				drv.config.IoApics[drv.config.IoApicCount] = IoApicInfo{
					ID:       readU8(body, 0),
					PhysAddr: uintptr(readU32(body, 2)),
					GSIBase:  readU32(body, 6),
				}
				drv.config.IoApicCount++
			}
		case table.MADTEntryTypeIntSrcOverride:
			if drv.config.OverrideCount < len(drv.config.Overrides) {
				drv.config.Overrides[drv.config.OverrideCount] = InterruptOverride{
					Bus:                   readU8(body, 0),
					SourceIRQ:             readU8(body, 1),
					GlobalSystemInterrupt: readU32(body, 2),
					Flags:                 readU16(body, 6),
				}
				drv.config.OverrideCount++
			}
		case table.MADTEntryTypeNMI:
			// Informational only; no routing decision depends on it.
		}

		offset += uintptr(entry.Length)
	}

	drv.config.UseLAPIC = drv.config.LapicCount > 0
	drv.config.UseIOAPIC = drv.config.IoApicCount > 0
}

func readU8(base unsafe.Pointer, offset uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(uintptr(base) + offset))
}

func readU16(base unsafe.Pointer, offset uintptr) uint16 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base)+offset)), 2)
	return uint16(b[0]) | uint16(b[1])<<8
}

func readU32(base unsafe.Pointer, offset uintptr) uint32 {
	b := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(base)+offset)), 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// parseS5 scans the DSDT for the `_S5_` package that carries the sleep-type
// values needed for an ACPI shutdown. Leaves S5Available false (and callers
// falling back to the value 7 for both fields) if the pattern is absent or
// malformed.
func (drv *acpiDriver) parseS5() {
	header := drv.tableMap[dsdtSignature]
	if header == nil || header.Length < 9 {
		return
	}

	base := uintptr(unsafe.Pointer(header))
	length := uintptr(header.Length)
	bytes := unsafe.Slice((*byte)(unsafe.Pointer(base)), length)

	for i := 0; i+4 < len(bytes); i++ {
		if bytes[i] != 0x08 || bytes[i+1] != '_' || bytes[i+2] != 'S' || bytes[i+3] != '5' || bytes[i+4] != '_' {
			continue
		}

		cursor := i + 5
		if cursor >= len(bytes) || bytes[cursor] != 0x12 {
			continue
		}
		cursor++

		if cursor >= len(bytes) {
			break
		}
		byteCount := int((bytes[cursor] >> 6) & 0x03)
		cursor += 1 + byteCount
		if cursor >= len(bytes) {
			break
		}

		elementCount := bytes[cursor]
		cursor++
		if elementCount < 2 {
			continue
		}

		var values [2]uint8
		ok := true
		for e := 0; e < 2; e++ {
			if cursor >= len(bytes) {
				ok = false
				break
			}
			switch bytes[cursor] {
			case 0x0A: // ByteConst
				if cursor+1 >= len(bytes) {
					ok = false
				} else {
					values[e] = bytes[cursor+1]
					cursor += 2
				}
			case 0x0B: // WordConst
				if cursor+2 >= len(bytes) {
					ok = false
				} else {
					values[e] = bytes[cursor+1]
					cursor += 3
				}
			default:
				values[e] = bytes[cursor]
				cursor++
			}
			if !ok {
				break
			}
		}

		if !ok {
			return
		}

		drv.config.SlpTypS5a = values[0]
		drv.config.SlpTypS5b = values[1]
		drv.config.S5Available = true
		return
	}
}

// mapACPITable maps and validates the header for the ACPI table starting at
// the given physical address, then expands the mapping to cover the full
// table contents.
func mapACPITable(tableAddr uintptr) (header *table.SDTHeader, sizeofHeader uintptr, err *kernel.Error) {
	var probe table.SDTHeader
	sizeofHeader = unsafe.Sizeof(probe)

	if !readPhysFn(tableAddr, unsafe.Slice((*byte)(unsafe.Pointer(&probe)), sizeofHeader)) {
		return nil, sizeofHeader, errMissingRSDP
	}

	linear := mapFn(tableAddr, uintptr(probe.Length))
	if linear == 0 {
		return nil, sizeofHeader, errMissingRSDP
	}

	header = (*table.SDTHeader)(unsafe.Pointer(linear))
	if !validTable(linear, header.Length) {
		err = errTableChecksumMismatch
	}

	return header, sizeofHeader, err
}

// locateRSDT discovers the RSDP and returns the physical address of the
// table it should be parsed as (RSDT, or XSDT on ACPI 2.0+).
func locateRSDT() (uintptr, bool, *kernel.Error) {
	rsdpAddr, err := locateRSDP()
	if err != nil {
		return 0, false, err
	}

	var rsdp table.RSDPDescriptor
	if !readPhysFn(rsdpAddr, unsafe.Slice((*byte)(unsafe.Pointer(&rsdp)), unsafe.Sizeof(rsdp))) {
		return 0, false, errMissingRSDP
	}

	if rsdp.Revision == acpiRev1 {
		if !validPhysTable(rsdpAddr, uint32(unsafe.Sizeof(rsdp))) {
			return 0, false, errMissingRSDP
		}
		return uintptr(rsdp.RSDTAddr), false, nil
	}

	var rsdp2 table.ExtRSDPDescriptor
	if !readPhysFn(rsdpAddr, unsafe.Slice((*byte)(unsafe.Pointer(&rsdp2)), unsafe.Sizeof(rsdp2))) {
		return 0, false, errMissingRSDP
	}

	if rsdp2.Length == 0 || rsdp2.Length > uint32(unsafe.Sizeof(rsdp2)) {
		return 0, false, errMissingRSDP
	}

	if !validPhysTable(rsdpAddr, rsdp2.Length) {
		return 0, false, errMissingRSDP
	}

	return uintptr(rsdp2.XSDTAddr), true, nil
}

// locateRSDP finds the physical address of the RSDP, preferring a
// bootloader-supplied address, then the EBDA, then the legacy BIOS region.
func locateRSDP() (uintptr, *kernel.Error) {
	if BootRSDPAddr != 0 {
		return BootRSDPAddr, nil
	}

	var ebdaSegment uint16
	if readPhysFn(ebdaSegmentPtr, unsafe.Slice((*byte)(unsafe.Pointer(&ebdaSegment)), 2)) {
		ebdaAddr := uintptr(ebdaSegment) << 4
		if ebdaAddr != 0 && ebdaAddr < 0x100000 {
			if addr := searchRSDPInRange(ebdaAddr, ebdaScanLength); addr != 0 {
				return addr, nil
			}
		}
	}

	if addr := searchRSDPInRange(rsdpLocationLow, rsdpLocationHi-rsdpLocationLow); addr != 0 {
		return addr, nil
	}

	return 0, errMissingRSDP
}

// searchRSDPInRange scans [start, start+length) on rsdpAlignment-byte
// boundaries for a valid RSDP signature and checksum.
func searchRSDPInRange(start, length uintptr) uintptr {
	var candidate table.RSDPDescriptor

	for addr := start; addr < start+length; addr += rsdpAlignment {
		if !readPhysFn(addr, unsafe.Slice((*byte)(unsafe.Pointer(&candidate)), unsafe.Sizeof(candidate))) {
			continue
		}
		if candidate.Signature != rsdpSignature {
			continue
		}
		if !validPhysTable(addr, 20) {
			continue
		}
		return addr
	}

	return 0
}

// validPhysTable reads tableLength bytes from phys via readPhysFn and
// returns true if they sum to zero.
func validPhysTable(phys uintptr, tableLength uint32) bool {
	buf := make([]byte, tableLength)
	if !readPhysFn(phys, buf) {
		return false
	}
	var sum uint8
	for _, b := range buf {
		sum += b
	}
	return sum == 0
}

// validTable calculates the checksum for an already-mapped ACPI table of
// length tableLength starting at the linear address tablePtr.
func validTable(tablePtr uintptr, tableLength uint32) bool {
	var (
		i   uint32
		sum uint8
	)

	for i = 0; i < tableLength; i++ {
		sum += *(*uint8)(unsafe.Pointer(tablePtr + uintptr(i)))
	}

	return sum == 0
}

func probeForACPI() device.Driver {
	if rsdtAddr, useXSDT, err := locateRSDT(); err == nil {
		return &acpiDriver{
			rsdtAddr: rsdtAddr,
			useXSDT:  useXSDT,
		}
	}

	return nil
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderACPI,
		Probe: probeForACPI,
	})
}
