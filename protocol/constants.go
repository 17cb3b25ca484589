package protocol

import "strconv"

// Magic bytes
const (
	MagicRequest  uint8 = 0x80
	MagicResponse uint8 = 0x81
)

// HeaderLen is the fixed size of every packet header.
const HeaderLen = 24

// Opcode identifies a binary protocol command.
type Opcode uint8

const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
	OpTouch      Opcode = 0x1c
	OpGAT        Opcode = 0x1d
	OpGATQ       Opcode = 0x1e
	OpSASLAuth   Opcode = 0x21
)

var quietOpcodes = map[Opcode]Opcode{
	OpGet:       OpGetQ,
	OpGetK:      OpGetKQ,
	OpSet:       OpSetQ,
	OpAdd:       OpAddQ,
	OpReplace:   OpReplaceQ,
	OpDelete:    OpDeleteQ,
	OpIncrement: OpIncrementQ,
	OpDecrement: OpDecrementQ,
	OpQuit:      OpQuitQ,
	OpFlush:     OpFlushQ,
	OpAppend:    OpAppendQ,
	OpPrepend:   OpPrependQ,
	OpGAT:       OpGATQ,
}

// Quiet returns the variant of op that suppresses its success response.
// The second value is false when op has no quiet form.
func (op Opcode) Quiet() (Opcode, bool) {
	q, ok := quietOpcodes[op]
	return q, ok
}

// IsQuiet reports whether op is itself a quiet variant.
func (op Opcode) IsQuiet() bool {
	for _, q := range quietOpcodes {
		if q == op {
			return true
		}
	}
	return false
}

var opcodeNames = map[Opcode]string{
	OpGet:        "get",
	OpSet:        "set",
	OpAdd:        "add",
	OpReplace:    "replace",
	OpDelete:     "delete",
	OpIncrement:  "increment",
	OpDecrement:  "decrement",
	OpQuit:       "quit",
	OpFlush:      "flush",
	OpGetQ:       "getq",
	OpNoop:       "noop",
	OpVersion:    "version",
	OpGetK:       "getk",
	OpGetKQ:      "getkq",
	OpAppend:     "append",
	OpPrepend:    "prepend",
	OpStat:       "stat",
	OpSetQ:       "setq",
	OpAddQ:       "addq",
	OpReplaceQ:   "replaceq",
	OpDeleteQ:    "deleteq",
	OpIncrementQ: "incrementq",
	OpDecrementQ: "decrementq",
	OpQuitQ:      "quitq",
	OpFlushQ:     "flushq",
	OpAppendQ:    "appendq",
	OpPrependQ:   "prependq",
	OpTouch:      "touch",
	OpGAT:        "gat",
	OpGATQ:       "gatq",
	OpSASLAuth:   "sasl-auth",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "opcode(0x" + strconv.FormatUint(uint64(op), 16) + ")"
}

// Status is the response status carried in bytes 6-7 of a response header.
type Status uint16

const (
	StatusOK             Status = 0x0000
	StatusNotFound       Status = 0x0001
	StatusExists         Status = 0x0002
	StatusValueTooLarge  Status = 0x0003
	StatusInvalidArgs    Status = 0x0004
	StatusNotStored      Status = 0x0005
	StatusNonNumeric     Status = 0x0006
	StatusWrongVBucket   Status = 0x0007
	StatusAuthError      Status = 0x0008
	StatusAuthContinue   Status = 0x0009
	StatusAuthRequired   Status = 0x0020
	StatusFurtherAuth    Status = 0x0021
	StatusUnknownCommand Status = 0x0081
	StatusOutOfMemory    Status = 0x0082
	StatusNotSupported   Status = 0x0083
	StatusInternalError  Status = 0x0084
	StatusBusy           Status = 0x0085
	StatusTempFailure    Status = 0x0086
)

var statusMessages = map[Status]string{
	StatusOK:             "success",
	StatusNotFound:       "key not found",
	StatusExists:         "key exists",
	StatusValueTooLarge:  "value too large",
	StatusInvalidArgs:    "invalid arguments",
	StatusNotStored:      "item not stored",
	StatusNonNumeric:     "incr/decr on non-numeric value",
	StatusWrongVBucket:   "the vbucket belongs to another server",
	StatusAuthError:      "authentication error",
	StatusAuthContinue:   "authentication continue",
	StatusAuthRequired:   "authentication required",
	StatusFurtherAuth:    "further authentication steps required",
	StatusUnknownCommand: "unknown command",
	StatusOutOfMemory:    "out of memory",
	StatusNotSupported:   "not supported",
	StatusInternalError:  "internal error",
	StatusBusy:           "busy",
	StatusTempFailure:    "temporary failure",
}

func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return "unknown response error (" + strconv.Itoa(int(s)) + ")"
}
