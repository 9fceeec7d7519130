// Package trapdisasm renders the faulting instruction bytes of a fatal
// trap into a human-readable diagnostic, for the fatal-fault report
// spec.md §7 requires when a VMM or syscall path escalates to FATAL
// ("panics, with as much context as can be captured before the panic").
// It is grounded on the teacher's retrieval of golang.org/x/arch/x86/
// x86asm — the same library a Go-native kernel reaches for to decode
// bytes it cannot simply execute.
package trapdisasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Report is a decoded fault, ready to hand to a log sink.
type Report struct {
	IP     uintptr
	Length int
	Text   string // disassembled mnemonic + operands, or "<unknown>"
}

// Decode disassembles the single instruction at the start of code
// (x86-64, 64-bit mode), reporting ip as its logical address for the
// message. A decode failure (truncated/invalid bytes, the common case
// right at a fault) still produces a Report — Text becomes "<unknown>"
// rather than propagating the error, since a diagnostic path must
// never itself fail fatally.
func Decode(code []byte, ip uintptr) Report {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Report{IP: ip, Text: "<unknown>"}
	}
	return Report{IP: ip, Length: inst.Len, Text: x86asm.GNUSyntax(inst, uint64(ip), nil)}
}

// String formats the report the way a kernel panic banner would: the
// faulting address followed by the decoded instruction, or a note that
// decoding failed.
func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "fault at %#x: ", r.IP)
	if r.Text == "" || r.Text == "<unknown>" {
		b.WriteString("<could not decode faulting instruction>")
	} else {
		b.WriteString(r.Text)
	}
	return b.String()
}
