// Package shmring implements PhaseHound's shared-memory data rings: the v0
// "simple" single-shot buffer (PHSH) and the streaming IQ/audio rings
// (PHIQ/PHAU). All three are sealed memfd-backed mmaps with atomic
// producer/consumer counters, matching the Go mmap-plus-atomics idiom from
// the teacher's shm package but carrying PhaseHound's own header layout.
package shmring

import "fmt"

// Magic values, one per ring kind. Stored as the first 4 bytes of every
// header so an attaching consumer can tell what it mapped before trusting
// any other field.
const (
	MagicSimple uint32 = 0x50485348 // "PHSH"
	MagicIQ     uint32 = 0x50484951 // "PHIQ"
	MagicAudio  uint32 = 0x50484155 // "PHAU"
)

// Version pairs. A consumer rejects a major mismatch outright and a minor
// newer than it understands; it accepts an older minor.
const (
	SimpleVerMajor uint16 = 0
	SimpleVerMinor uint16 = 1

	StreamVerMajor uint32 = 0
	StreamVerMinor uint32 = 2 // minor 2 adds the seq counter at offset 48
)

// Sample/PCM formats carried in a stream header's Fmt field.
const (
	FmtCF32 uint32 = 1 // complex float32 pairs (IQ)
	FmtF32  uint32 = 2 // real float32 (PCM)
)

func checkVersion(kind string, gotMajor, wantMajor, gotMinor, wantMinor uint32) error {
	if gotMajor != wantMajor {
		return fmt.Errorf("shmring: %s major version mismatch: got %d, want %d", kind, gotMajor, wantMajor)
	}
	if gotMinor > wantMinor {
		return fmt.Errorf("shmring: %s minor version %d newer than this reader understands (%d)", kind, gotMinor, wantMinor)
	}
	return nil
}
