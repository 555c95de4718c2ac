package regs

// x86/x64 general-purpose registers. Code matches the 3-bit ModRM/SIB
// register field for the low eight registers and the REX.B/R/X-extended
// value (0-15) for r8-r15 on x64.
var (
	EAX = Register{"eax", 0, 4, GP32, false}
	ECX = Register{"ecx", 1, 4, GP32, false}
	EDX = Register{"edx", 2, 4, GP32, false}
	EBX = Register{"ebx", 3, 4, GP32, false}
	ESP = Register{"esp", 4, 4, GP32, true}
	EBP = Register{"ebp", 5, 4, GP32, false}
	ESI = Register{"esi", 6, 4, GP32, false}
	EDI = Register{"edi", 7, 4, GP32, false}

	RAX = Register{"rax", 0, 8, GP64, false}
	RCX = Register{"rcx", 1, 8, GP64, false}
	RDX = Register{"rdx", 2, 8, GP64, false}
	RBX = Register{"rbx", 3, 8, GP64, false}
	RSP = Register{"rsp", 4, 8, GP64, true}
	RBP = Register{"rbp", 5, 8, GP64, false}
	RSI = Register{"rsi", 6, 8, GP64, false}
	RDI = Register{"rdi", 7, 8, GP64, false}
	R8  = Register{"r8", 8, 8, GP64, false}
	R9  = Register{"r9", 9, 8, GP64, false}
	R10 = Register{"r10", 10, 8, GP64, false}
	R11 = Register{"r11", 11, 8, GP64, false}
	R12 = Register{"r12", 12, 8, GP64, false}
	R13 = Register{"r13", 13, 8, GP64, false}
	R14 = Register{"r14", 14, 8, GP64, false}
	R15 = Register{"r15", 15, 8, GP64, false}

	CX = Register{"cx", 1, 2, GP16, false}

	XMM0 = Register{"xmm0", 0, 16, GP128, false}
	XMM1 = Register{"xmm1", 1, 16, GP128, false}
	XMM2 = Register{"xmm2", 2, 16, GP128, false}
	XMM3 = Register{"xmm3", 3, 16, GP128, false}
	XMM4 = Register{"xmm4", 4, 16, GP128, false}
	XMM5 = Register{"xmm5", 5, 16, GP128, false}
	XMM6 = Register{"xmm6", 6, 16, GP128, false}
	XMM7 = Register{"xmm7", 7, 16, GP128, false}

	YMM0 = Register{"ymm0", 0, 32, Vector256, false}
	YMM1 = Register{"ymm1", 1, 32, Vector256, false}

	ZMM0 = Register{"zmm0", 0, 64, Vector512, false}
	ZMM1 = Register{"zmm1", 1, 64, Vector512, false}
)

var x86AllGP32 = Set{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}

var x64AllGP64 = Set{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI,
	R8, R9, R10, R11, R12, R13, R14, R15}
