package trampoline

// amd64Code runs in long mode with interrupts still possibly enabled. It
// leaves rdi = modulep and a stack of {0, modulep, kernend} behind.
//
//	0:  fa                      cli
//	1:  48 8d 1d 30 00 00 00    lea    rbx,[rip+0x30]        # args
//	8:  48 8b 63 18             mov    rsp,[rbx+0x18]        # stack
//	c:  48 8b 4b 30             mov    rcx,[rbx+0x30]        # copy len
//	10: 48 8b 73 20             mov    rsi,[rbx+0x20]        # copy src
//	14: 48 8b 7b 28             mov    rdi,[rbx+0x28]        # copy dst
//	18: fc                      cld
//	19: f3 a4                   rep movsb
//	1b: 48 8b 43 10             mov    rax,[rbx+0x10]        # root
//	1f: 48 85 c0                test   rax,rax
//	22: 74 03                   je     0x27
//	24: 0f 22 d8                mov    cr3,rax
//	27: 48 8b 7b 38             mov    rdi,[rbx+0x38]        # modulep
//	2b: ff 73 40                push   QWORD PTR [rbx+0x40]  # kernend
//	2e: ff 73 38                push   QWORD PTR [rbx+0x38]  # modulep
//	31: 6a 00                   push   0x0
//	33: ff 63 08                jmp    QWORD PTR [rbx+0x8]   # entry
var amd64Code = []byte{
	0xfa,
	0x48, 0x8d, 0x1d, 0x30, 0x00, 0x00, 0x00,
	0x48, 0x8b, 0x63, OffStack,
	0x48, 0x8b, 0x4b, OffCopyLen,
	0x48, 0x8b, 0x73, OffCopySrc,
	0x48, 0x8b, 0x7b, OffCopyDst,
	0xfc,
	0xf3, 0xa4,
	0x48, 0x8b, 0x43, OffPageTableRoot,
	0x48, 0x85, 0xc0,
	0x74, 0x03,
	0x0f, 0x22, 0xd8,
	0x48, 0x8b, 0x7b, OffModuleP,
	0xff, 0x73, OffKernEnd,
	0xff, 0x73, OffModuleP,
	0x6a, 0x00,
	0xff, 0x63, OffEntry,
}

// i386Code runs in flat 32-bit protected mode with paging off. A non zero
// root turns on PAE paging.
//
//	0:  fa                      cli
//	1:  e8 00 00 00 00          call   0x6
//	6:  5b                      pop    ebx
//	7:  81 c3 42 00 00 00       add    ebx,0x42              # args
//	d:  8b 63 18                mov    esp,[ebx+0x18]
//	10: 8b 4b 30                mov    ecx,[ebx+0x30]
//	13: 8b 73 20                mov    esi,[ebx+0x20]
//	16: 8b 7b 28                mov    edi,[ebx+0x28]
//	19: fc                      cld
//	1a: f3 a4                   rep movsb
//	1c: 8b 43 10                mov    eax,[ebx+0x10]
//	1f: 85 c0                   test   eax,eax
//	21: 74 17                   je     0x3a
//	23: 0f 22 d8                mov    cr3,eax
//	26: 0f 20 e0                mov    eax,cr4
//	29: 83 c8 20                or     eax,0x20              # PAE
//	2c: 0f 22 e0                mov    cr4,eax
//	2f: 0f 20 c0                mov    eax,cr0
//	32: 0d 00 00 00 80          or     eax,0x80000000        # PG
//	37: 0f 22 c0                mov    cr0,eax
//	3a: ff 73 40                push   DWORD PTR [ebx+0x40]
//	3d: ff 73 38                push   DWORD PTR [ebx+0x38]
//	40: 6a 00                   push   0x0
//	42: ff 63 08                jmp    DWORD PTR [ebx+0x8]
var i386Code = []byte{
	0xfa,
	0xe8, 0x00, 0x00, 0x00, 0x00,
	0x5b,
	0x81, 0xc3, 0x42, 0x00, 0x00, 0x00,
	0x8b, 0x63, OffStack,
	0x8b, 0x4b, OffCopyLen,
	0x8b, 0x73, OffCopySrc,
	0x8b, 0x7b, OffCopyDst,
	0xfc,
	0xf3, 0xa4,
	0x8b, 0x43, OffPageTableRoot,
	0x85, 0xc0,
	0x74, 0x17,
	0x0f, 0x22, 0xd8,
	0x0f, 0x20, 0xe0,
	0x83, 0xc8, 0x20,
	0x0f, 0x22, 0xe0,
	0x0f, 0x20, 0xc0,
	0x0d, 0x00, 0x00, 0x00, 0x80,
	0x0f, 0x22, 0xc0,
	0xff, 0x73, OffKernEnd,
	0xff, 0x73, OffModuleP,
	0x6a, 0x00,
	0xff, 0x63, OffEntry,
}
