package proc

import (
	"encoding/binary"

	"microkernel/defs"
)

// BuildUserStack lays out the initial user stack per spec.md §4.4 and
// §8 scenario S6: argc, then NULL-terminated argv pointers, then
// NULL-terminated envp pointers, then a zero auxiliary-vector pair,
// with the string bodies above and the returned stack pointer 16-byte
// aligned. buf is the backing bytes for the stack's top portion,
// addressed [stackTopVA-len(buf), stackTopVA); stackTopVA must be
// page-aligned (mmap_alloc guarantees this), which makes offset-based
// alignment checks below equivalent to absolute-address alignment.
func BuildUserStack(buf []byte, stackTopVA uintptr, argv, envp []string) (uintptr, defs.Err_t) {
	baseVA := stackTopVA - uintptr(len(buf))
	cursor := len(buf)

	writeString := func(s string) (uintptr, defs.Err_t) {
		n := len(s) + 1
		if cursor < n {
			return 0, defs.EINVAL
		}
		cursor -= n
		copy(buf[cursor:], s)
		buf[cursor+len(s)] = 0
		return baseVA + uintptr(cursor), 0
	}

	argvPtrs := make([]uintptr, len(argv))
	for i, s := range argv {
		p, err := writeString(s)
		if err != 0 {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envpPtrs := make([]uintptr, len(envp))
	for i, s := range envp {
		p, err := writeString(s)
		if err != 0 {
			return 0, err
		}
		envpPtrs[i] = p
	}

	// Align the pointer-array region to an 8-byte boundary, then pick
	// its start so that argc — the last (lowest) word written —
	// lands on a 16-byte boundary, satisfying S6's alignment
	// requirement without a post-hoc shift that would move the
	// returned stack pointer off of argc.
	cursor -= cursor % 8
	wordsCount := 2 /* aux zero pair */ + (len(envp) + 1) + (len(argv) + 1) + 1 /* argc */
	needed := wordsCount * 8
	if cursor < needed {
		return 0, defs.EINVAL
	}
	if (cursor-needed)%16 != 0 {
		if cursor < 8 {
			return 0, defs.EINVAL
		}
		cursor -= 8
	}

	writeWord := func(v uint64) defs.Err_t {
		if cursor < 8 {
			return defs.EINVAL
		}
		cursor -= 8
		binary.LittleEndian.PutUint64(buf[cursor:cursor+8], v)
		return 0
	}

	if err := writeWord(0); err != 0 { // aux vector terminator, word 2
		return 0, err
	}
	if err := writeWord(0); err != 0 { // aux vector terminator, word 1
		return 0, err
	}

	if err := writeWord(0); err != 0 { // envp NULL terminator
		return 0, err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if err := writeWord(uint64(envpPtrs[i])); err != 0 {
			return 0, err
		}
	}

	if err := writeWord(0); err != 0 { // argv NULL terminator
		return 0, err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if err := writeWord(uint64(argvPtrs[i])); err != 0 {
			return 0, err
		}
	}

	if err := writeWord(uint64(len(argv))); err != 0 { // argc
		return 0, err
	}

	return baseVA + uintptr(cursor), 0
}
