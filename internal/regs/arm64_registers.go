package regs

// AArch64 general-purpose and vector registers. Code is the 5-bit register
// index used directly in instruction encodings (0-30, with 31 reserved for
// SP/XZR depending on context, modelled here as a distinct register).
var (
	X0  = Register{"x0", 0, 8, GP64, false}
	X1  = Register{"x1", 1, 8, GP64, false}
	X2  = Register{"x2", 2, 8, GP64, false}
	X3  = Register{"x3", 3, 8, GP64, false}
	X4  = Register{"x4", 4, 8, GP64, false}
	X5  = Register{"x5", 5, 8, GP64, false}
	X6  = Register{"x6", 6, 8, GP64, false}
	X7  = Register{"x7", 7, 8, GP64, false}
	X8  = Register{"x8", 8, 8, GP64, false}
	X9  = Register{"x9", 9, 8, GP64, false}
	X10 = Register{"x10", 10, 8, GP64, false}
	X11 = Register{"x11", 11, 8, GP64, false}
	X12 = Register{"x12", 12, 8, GP64, false}
	X13 = Register{"x13", 13, 8, GP64, false}
	X14 = Register{"x14", 14, 8, GP64, false}
	X15 = Register{"x15", 15, 8, GP64, false}
	X16 = Register{"x16", 16, 8, GP64, false} // IP0, scratch for veneers
	X17 = Register{"x17", 17, 8, GP64, false} // IP1, scratch for veneers
	X18 = Register{"x18", 18, 8, GP64, false} // platform register, avoid as scratch
	X19 = Register{"x19", 19, 8, GP64, false}
	X20 = Register{"x20", 20, 8, GP64, false}
	X21 = Register{"x21", 21, 8, GP64, false}
	X22 = Register{"x22", 22, 8, GP64, false}
	X23 = Register{"x23", 23, 8, GP64, false}
	X24 = Register{"x24", 24, 8, GP64, false}
	X25 = Register{"x25", 25, 8, GP64, false}
	X26 = Register{"x26", 26, 8, GP64, false}
	X27 = Register{"x27", 27, 8, GP64, false}
	X28 = Register{"x28", 28, 8, GP64, false}
	X29 = Register{"x29", 29, 8, GP64, false} // frame pointer
	X30 = Register{"x30", 30, 8, GP64, false} // link register, always-saved
	SP  = Register{"sp", 31, 8, GP64, true}

	W0 = Register{"w0", 0, 4, GP32, false}
	W1 = Register{"w1", 1, 4, GP32, false}

	D0 = Register{"d0", 0, 8, Float, false}
	D1 = Register{"d1", 1, 8, Float, false}

	Q0 = Register{"q0", 0, 16, Vector128, false}
	Q1 = Register{"q1", 1, 16, Vector128, false}
)

var arm64IntArgs = Set{X0, X1, X2, X3, X4, X5, X6, X7}
var arm64FloatArgs = Set{D0, D1, {"d2", 2, 8, Float, false}, {"d3", 3, 8, Float, false},
	{"d4", 4, 8, Float, false}, {"d5", 5, 8, Float, false}, {"d6", 6, 8, Float, false}, {"d7", 7, 8, Float, false}}
var arm64VectorArgs = Set{Q0, Q1, {"q2", 2, 16, Vector128, false}, {"q3", 3, 16, Vector128, false},
	{"q4", 4, 16, Vector128, false}, {"q5", 5, 16, Vector128, false}, {"q6", 6, 16, Vector128, false}, {"q7", 7, 16, Vector128, false}}

var arm64AllGP = Set{X0, X1, X2, X3, X4, X5, X6, X7, X8, X9, X10, X11, X12, X13, X14, X15,
	X16, X17, X18, X19, X20, X21, X22, X23, X24, X25, X26, X27, X28, X29, X30, SP}

var arm64CalleeSaved = Set{X19, X20, X21, X22, X23, X24, X25, X26, X27, X28, X29}
