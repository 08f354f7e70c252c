package model

// RawFrame is a single unsymbolicated stack frame.
type RawFrame struct {
	InstructionAddr uint64   `json:"instruction_addr"`
	AddrMode        AddrMode `json:"addr_mode"`
}

// RawStacktrace is one thread's stack as submitted by the client.
type RawStacktrace struct {
	ThreadID int64      `json:"thread_id"`
	Frames   []RawFrame `json:"frames"`
}

// CompleteFrame is a symbolicated frame. Raw keeps the original address and
// addressing mode so later phases can re-resolve the owning module.
type CompleteFrame struct {
	Raw RawFrame `json:"raw"`

	// InstructionAddr is the frame address expressed in the module's
	// preferred addressing mode.
	InstructionAddr uint64   `json:"instruction_addr"`
	AddrMode        AddrMode `json:"addr_mode"`

	Function string `json:"function,omitempty"`
	AbsPath  string `json:"abs_path,omitempty"`
	LineNo   uint32 `json:"lineno,omitempty"`

	Status ObjectFileStatus `json:"status"`
}

// CompleteStacktrace is one thread's symbolicated stack.
type CompleteStacktrace struct {
	ThreadID int64           `json:"thread_id"`
	Frames   []CompleteFrame `json:"frames"`
}
