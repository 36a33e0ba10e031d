package shmring

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// createSealedFD creates an anonymous, CLOEXEC sealed memfd of size
// mapBytes, matching ph_shm_create_fd's memfd_create + ftruncate + seal
// sequence. Unlike the original there is no POSIX-shm fallback: memfd_create
// has been available since Linux 3.17 and golang.org/x/sys/unix exposes it
// directly, so the fallback path the C code carries for older kernels has
// no analogue worth keeping here.
func createSealedFD(tag string, mapBytes int) (int, error) {
	if tag == "" {
		tag = "phasehound-ring"
	}
	fd, err := unix.MemfdCreate(tag, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return -1, fmt.Errorf("shmring: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(mapBytes)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("shmring: ftruncate: %w", err)
	}
	if err := applySeals(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// applySeals seals the memfd against further resizing, matching
// ph_shm_apply_seals. The seal set intentionally omits F_SEAL_WRITE: both
// ring kinds keep writing into the mapping after creation.
func applySeals(fd int) error {
	seals := unix.F_SEAL_SEAL | unix.F_SEAL_SHRINK | unix.F_SEAL_GROW
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err != nil {
		return fmt.Errorf("shmring: add seals: %w", err)
	}
	return nil
}

// fdSize returns the current size of fd's backing store via fstat, used by
// the Attach paths to size the mmap before the header has been validated.
func fdSize(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, fmt.Errorf("shmring: fstat: %w", err)
	}
	return int(st.Size), nil
}

// dupSyscall duplicates fd, used by tests that need an independent handle
// to hand to Attach* without invalidating the original Create*'s fd.
func dupSyscall(fd int) (int, error) {
	return unix.Dup(fd)
}

// ptrAt returns an unsafe.Pointer into mem at byte offset off, used to hand
// aligned field addresses to sync/atomic. Callers must keep every offset a
// multiple of the field's own size — the header layouts in this package are
// laid out specifically to guarantee that without explicit padding.
func ptrAt(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
