package kernel

// Kind classifies kernel errors so that callers can react to a class of
// failure without knowing which module reported it.
type Kind uint8

// The list of supported error kinds.
const (
	KindUnknown Kind = iota
	KindOutOfMemory
	KindInvalidAddress
	KindAlreadyMapped
	KindNotMapped
	KindInvalidArgument
	KindDoubleFree
	KindUseAfterFree
)

var kindNames = [...]string{
	KindUnknown:         "unknown",
	KindOutOfMemory:     "out of memory",
	KindInvalidAddress:  "invalid address",
	KindAlreadyMapped:   "already mapped",
	KindNotMapped:       "not mapped",
	KindInvalidArgument: "invalid argument",
	KindDoubleFree:      "double free",
	KindUseAfterFree:    "use after free",
}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Callers compare errors
// by pointer; Is additionally matches errors of the same Kind.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is a *Error with the same Kind as e. It allows
// errors.Is(err, kernel.ErrOutOfMemory) to match the out of memory errors
// reported by any module.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}

	if e == t {
		return true
	}

	return t.Kind != KindUnknown && e.Kind == t.Kind
}

// Kind-level sentinels used with errors.Is.
var (
	ErrOutOfMemory     = &Error{Module: "kernel", Message: "out of memory", Kind: KindOutOfMemory}
	ErrInvalidAddress  = &Error{Module: "kernel", Message: "invalid address", Kind: KindInvalidAddress}
	ErrAlreadyMapped   = &Error{Module: "kernel", Message: "already mapped", Kind: KindAlreadyMapped}
	ErrNotMapped       = &Error{Module: "kernel", Message: "not mapped", Kind: KindNotMapped}
	ErrInvalidArgument = &Error{Module: "kernel", Message: "invalid argument", Kind: KindInvalidArgument}
	ErrDoubleFree      = &Error{Module: "kernel", Message: "double free", Kind: KindDoubleFree}
	ErrUseAfterFree    = &Error{Module: "kernel", Message: "use after free", Kind: KindUseAfterFree}
)
