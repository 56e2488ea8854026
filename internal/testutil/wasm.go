package testutil

// Hand-assembled WebAssembly guests: enough of the binary format to exercise
// the extension capability ABI without a guest toolchain. Guests export
// ext_alloc, ext_search, ext_resolve_stream, and optionally ext_metadata;
// results are packed as ptr<<32|len over baked-in data segments.

const (
	wasmTypeSection     = 0x01
	wasmImportSection   = 0x02
	wasmFunctionSection = 0x03
	wasmMemorySection   = 0x05
	wasmExportSection   = 0x07
	wasmCodeSection     = 0x0a
	wasmDataSection     = 0x0b

	valI32 = 0x7f
	valI64 = 0x7e

	kindFunc   = 0x00
	kindMemory = 0x02

	opLoop     = 0x03
	opBr       = 0x0c
	opCall     = 0x10
	opI32Const = 0x41
	opI64Const = 0x42
	opEnd      = 0x0b
)

// hostModuleName is the import namespace the sandbox runtime registers.
const hostModuleName = "cadence"

// guestAllocPtr is where the fixture allocator hands out memory.
const guestAllocPtr = 8192

func uleb128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb128(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func wasmSection(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint64(len(payload)))...)
	return append(out, payload...)
}

func wasmVec(count int, payload []byte) []byte {
	return append(uleb128(uint64(count)), payload...)
}

func wasmName(s string) []byte {
	return append(uleb128(uint64(len(s))), s...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

// funcBody wraps an instruction sequence into a code entry with no locals.
func funcBody(instrs ...[]byte) []byte {
	entry := uleb128(0)
	for _, ins := range instrs {
		entry = append(entry, ins...)
	}
	entry = append(entry, opEnd)
	return append(uleb128(uint64(len(entry))), entry...)
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb128(int64(v))...)
}

func i64Const(v int64) []byte {
	return append([]byte{opI64Const}, sleb128(v)...)
}

func packedConst(ptr uint32, length int) []byte {
	return i64Const(int64(uint64(ptr)<<32 | uint64(uint32(length))))
}

func dataSegment(offset int32, data []byte) []byte {
	seg := []byte{0x00}
	seg = append(seg, i32Const(offset)...)
	seg = append(seg, opEnd)
	seg = append(seg, uleb128(uint64(len(data)))...)
	return append(seg, data...)
}

// guestTypes declares the three ABI signatures:
// type 0: (i32) -> i32, type 1: (i32, i32) -> i64, type 2: () -> i64.
func guestTypes() []byte {
	payload := wasmVec(3, nil)
	payload = append(payload, 0x60, 0x01, valI32, 0x01, valI32)
	payload = append(payload, 0x60, 0x02, valI32, valI32, 0x01, valI64)
	payload = append(payload, 0x60, 0x00, 0x01, valI64)
	return wasmSection(wasmTypeSection, payload)
}

func guestMemory() []byte {
	return wasmSection(wasmMemorySection, wasmVec(1, []byte{0x00, 0x01}))
}

// EmptyModule returns a valid module with no exports at all.
func EmptyModule() []byte {
	return wasmModule()
}

// FixtureGuest builds a guest whose search, stream, and metadata responses
// are fixed payloads baked into its data section. Use NetworkGuest for a
// guest without the optional ext_metadata export.
func FixtureGuest(search, stream, metadata string) []byte {
	const (
		searchPtr = 1024
		streamPtr = 2048
		metaPtr   = 3072
	)

	functions := wasmSection(wasmFunctionSection, wasmVec(4, []byte{0x00, 0x01, 0x01, 0x02}))

	var exports []byte
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, kindMemory, 0x00)
	exports = append(exports, wasmName("ext_alloc")...)
	exports = append(exports, kindFunc, 0x00)
	exports = append(exports, wasmName("ext_search")...)
	exports = append(exports, kindFunc, 0x01)
	exports = append(exports, wasmName("ext_resolve_stream")...)
	exports = append(exports, kindFunc, 0x02)
	exports = append(exports, wasmName("ext_metadata")...)
	exports = append(exports, kindFunc, 0x03)
	exportSec := wasmSection(wasmExportSection, wasmVec(5, exports))

	var code []byte
	code = append(code, funcBody(i32Const(guestAllocPtr))...)
	code = append(code, funcBody(packedConst(searchPtr, len(search)))...)
	code = append(code, funcBody(packedConst(streamPtr, len(stream)))...)
	code = append(code, funcBody(packedConst(metaPtr, len(metadata)))...)
	codeSec := wasmSection(wasmCodeSection, wasmVec(4, code))

	var data []byte
	data = append(data, dataSegment(searchPtr, []byte(search))...)
	data = append(data, dataSegment(streamPtr, []byte(stream))...)
	data = append(data, dataSegment(metaPtr, []byte(metadata))...)
	dataSec := wasmSection(wasmDataSection, wasmVec(3, data))

	return wasmModule(guestTypes(), functions, guestMemory(), exportSec, codeSec, dataSec)
}

// SpinningGuest builds a guest whose search never returns, for exercising
// call deadline kills.
func SpinningGuest() []byte {
	functions := wasmSection(wasmFunctionSection, wasmVec(3, []byte{0x00, 0x01, 0x01}))

	var exports []byte
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, kindMemory, 0x00)
	exports = append(exports, wasmName("ext_alloc")...)
	exports = append(exports, kindFunc, 0x00)
	exports = append(exports, wasmName("ext_search")...)
	exports = append(exports, kindFunc, 0x01)
	exports = append(exports, wasmName("ext_resolve_stream")...)
	exports = append(exports, kindFunc, 0x02)
	exportSec := wasmSection(wasmExportSection, wasmVec(4, exports))

	spin := []byte{opLoop, 0x40, opBr, 0x00, opEnd}

	var code []byte
	code = append(code, funcBody(i32Const(guestAllocPtr))...)
	code = append(code, funcBody(spin, i64Const(0))...)
	code = append(code, funcBody(i64Const(0))...)
	codeSec := wasmSection(wasmCodeSection, wasmVec(3, code))

	return wasmModule(guestTypes(), functions, guestMemory(), exportSec, codeSec)
}

// NetworkGuest builds a guest whose search forwards a fixed URL to the
// cadence.http_get host function and returns whatever comes back. It has no
// ext_metadata export.
func NetworkGuest(url string) []byte {
	const urlPtr = 1024

	var imports []byte
	imports = append(imports, wasmName(hostModuleName)...)
	imports = append(imports, wasmName("http_get")...)
	imports = append(imports, kindFunc, 0x01)
	importSec := wasmSection(wasmImportSection, wasmVec(1, imports))

	// Imported functions occupy the start of the index space; defined
	// functions follow at index 1.
	functions := wasmSection(wasmFunctionSection, wasmVec(3, []byte{0x00, 0x01, 0x01}))

	var exports []byte
	exports = append(exports, wasmName("memory")...)
	exports = append(exports, kindMemory, 0x00)
	exports = append(exports, wasmName("ext_alloc")...)
	exports = append(exports, kindFunc, 0x01)
	exports = append(exports, wasmName("ext_search")...)
	exports = append(exports, kindFunc, 0x02)
	exports = append(exports, wasmName("ext_resolve_stream")...)
	exports = append(exports, kindFunc, 0x03)
	exportSec := wasmSection(wasmExportSection, wasmVec(4, exports))

	fetch := append(i32Const(urlPtr), i32Const(int32(len(url)))...)
	fetch = append(fetch, opCall, 0x00)

	var code []byte
	code = append(code, funcBody(i32Const(guestAllocPtr))...)
	code = append(code, funcBody(fetch)...)
	code = append(code, funcBody(i64Const(0))...)
	codeSec := wasmSection(wasmCodeSection, wasmVec(3, code))

	dataSec := wasmSection(wasmDataSection, wasmVec(1, dataSegment(urlPtr, []byte(url))))

	return wasmModule(guestTypes(), importSec, functions, guestMemory(), exportSec, codeSec, dataSec)
}
