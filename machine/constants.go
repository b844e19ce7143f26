package machine

const (
	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME = 1
	CR4xPVI = (1 << 1)
	CR4xTSD = (1 << 2)
	CR4xDE  = (1 << 3)
	CR4xPSE = (1 << 4)
	CR4xPAE = (1 << 5)
	CR4xMCE = (1 << 6)
	CR4xPGE = (1 << 7)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)
)

const (
	// GDT slots of the firmware's flat segments.
	gdtNull   = 0
	gdtCode64 = 1
	gdtCode32 = 2
	gdtData   = 3
	gdtSlots  = 4
)
