package modinfo

import "fmt"

// Record kinds of the module list.
const (
	KindEnd      uint32 = 0x0000
	KindName     uint32 = 0x0001
	KindType     uint32 = 0x0002
	KindAddr     uint32 = 0x0003
	KindSize     uint32 = 0x0004
	KindEmpty    uint32 = 0x0005
	KindArgs     uint32 = 0x0006
	KindMetadata uint32 = 0x8000
)

// Metadata kinds, or'ed with KindMetadata on the wire.
const (
	MDElfHdr   uint32 = 0x0002
	MDSSym     uint32 = 0x0003
	MDESym     uint32 = 0x0004
	MDDynamic  uint32 = 0x0005
	MDEnvp     uint32 = 0x0006
	MDHowto    uint32 = 0x0007
	MDKernEnd  uint32 = 0x0008
	MDShdr     uint32 = 0x0009
	MDFwHandle uint32 = 0x000c
	MDEfiMap   uint32 = 0x1004
	MDModuleP  uint32 = 0x1006

	// MDNoCopy marks metadata that is kept by the loader but not passed
	// to the kernel.
	MDNoCopy uint32 = 0x8000
)

var kindNames = map[uint32]string{
	KindEnd:   "end",
	KindName:  "name",
	KindType:  "type",
	KindAddr:  "addr",
	KindSize:  "size",
	KindEmpty: "empty",
	KindArgs:  "args",
}

var mdNames = map[uint32]string{
	MDElfHdr:   "elfhdr",
	MDSSym:     "ssym",
	MDESym:     "esym",
	MDDynamic:  "dynamic",
	MDEnvp:     "envp",
	MDHowto:    "howto",
	MDKernEnd:  "kernend",
	MDShdr:     "shdr",
	MDFwHandle: "fw_handle",
	MDEfiMap:   "efi_map",
	MDModuleP:  "modulep",
}

// KindString names a wire record kind.
func KindString(kind uint32) string {
	if kind&KindMetadata != 0 {
		if n, ok := mdNames[kind&^KindMetadata]; ok {
			return "metadata:" + n
		}

		return fmt.Sprintf("metadata:%#x", kind&^KindMetadata)
	}

	if n, ok := kindNames[kind]; ok {
		return n
	}

	return fmt.Sprintf("%#x", kind)
}
