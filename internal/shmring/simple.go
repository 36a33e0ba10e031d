package shmring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// simpleHeaderSize is sizeof(ph_shm_v0_t): magic(4) + ver_major(2) +
// ver_minor(2) + seq(8) + used(4) + capacity(4), with the 8-byte seq
// naturally aligned at offset 8 — no padding needed on either amd64 or
// arm64.
const simpleHeaderSize = 24

// Simple is a single-shot "latest value" shared-memory buffer: a producer
// overwrites the whole payload and bumps seq; any number of consumers may
// peek the current payload and its seq without coordinating with the
// producer beyond the seq bump itself.
type Simple struct {
	fd       int
	mapBytes int
	mem      []byte
	owned    bool
}

// CreateSimple allocates a sealed memfd big enough for payloadBytes of
// payload plus the v0 header, maps it, and initializes the header. The
// caller owns the returned fd (Simple.FD()) for handing off via SCM_RIGHTS.
func CreateSimple(tag string, payloadBytes int) (*Simple, error) {
	if payloadBytes <= 0 {
		return nil, fmt.Errorf("shmring: payloadBytes must be positive, got %d", payloadBytes)
	}
	mapBytes := simpleHeaderSize + payloadBytes

	fd, err := createSealedFD(tag, mapBytes)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, mapBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap simple ring: %w", err)
	}

	binary.LittleEndian.PutUint32(mem[0:4], MagicSimple)
	binary.LittleEndian.PutUint16(mem[4:6], SimpleVerMajor)
	binary.LittleEndian.PutUint16(mem[6:8], SimpleVerMinor)
	atomic.StoreUint64((*uint64)(ptrAt(mem, 8)), 0)
	binary.LittleEndian.PutUint32(mem[16:20], 0)
	binary.LittleEndian.PutUint32(mem[20:24], uint32(payloadBytes))

	return &Simple{fd: fd, mapBytes: mapBytes, mem: mem, owned: true}, nil
}

// AttachSimple maps an existing fd (received over the wire, for instance)
// as a simple ring, validating magic and version before returning it. The
// Simple takes ownership of fd.
func AttachSimple(fd int) (*Simple, error) {
	mapBytes, err := fdSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if mapBytes < simpleHeaderSize {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: fd too small for simple ring header (%d bytes)", mapBytes)
	}
	mem, err := unix.Mmap(fd, 0, mapBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap simple ring: %w", err)
	}

	magic := binary.LittleEndian.Uint32(mem[0:4])
	if magic != MagicSimple {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: bad magic for simple ring: got %#x, want %#x", magic, MagicSimple)
	}
	vmaj := uint32(binary.LittleEndian.Uint16(mem[4:6]))
	vmin := uint32(binary.LittleEndian.Uint16(mem[6:8]))
	if err := checkVersion("simple", vmaj, uint32(SimpleVerMajor), vmin, uint32(SimpleVerMinor)); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}

	return &Simple{fd: fd, mapBytes: mapBytes, mem: mem, owned: false}, nil
}

// FD returns the underlying file descriptor, e.g. to forward via SCM_RIGHTS.
func (s *Simple) FD() int { return s.fd }

// Capacity is the fixed payload capacity in bytes.
func (s *Simple) Capacity() uint32 {
	return binary.LittleEndian.Uint32(s.mem[20:24])
}

// Seq returns the current publish sequence number.
func (s *Simple) Seq() uint64 {
	return atomic.LoadUint64((*uint64)(ptrAt(s.mem, 8)))
}

// Publish copies src into the payload region and bumps seq. nbytes must
// not exceed Capacity.
func (s *Simple) Publish(src []byte) (uint64, error) {
	cap := s.Capacity()
	if uint32(len(src)) > cap {
		return 0, fmt.Errorf("shmring: publish %d bytes exceeds capacity %d", len(src), cap)
	}
	copy(s.mem[simpleHeaderSize:], src)
	atomic.StoreUint32((*uint32)(ptrAt(s.mem, 16)), uint32(len(src)))
	seq := atomic.AddUint64((*uint64)(ptrAt(s.mem, 8)), 1)
	return seq, nil
}

// Peek returns a copy of the currently published payload and its seq.
// Safe to call concurrently with Publish: a consumer that reads Seq before
// and after should discard the read if it changed mid-copy.
func (s *Simple) Peek() (payload []byte, seq uint64) {
	seq = s.Seq()
	used := atomic.LoadUint32((*uint32)(ptrAt(s.mem, 16)))
	out := make([]byte, used)
	copy(out, s.mem[simpleHeaderSize:simpleHeaderSize+int(used)])
	return out, seq
}

// Close unmaps the ring. If this Simple created the fd, Close also closes
// it; an attached (consumer) Simple closes the fd too, matching
// ph_shm_detach's "unmap + close" contract — descriptors are not shared
// across callers once mapped.
func (s *Simple) Close() error {
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil {
			return err
		}
		s.mem = nil
	}
	if s.fd >= 0 {
		err := unix.Close(s.fd)
		s.fd = -1
		return err
	}
	return nil
}
