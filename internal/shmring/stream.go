package shmring

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// streamHeaderSize is sizeof(phiq_hdr_t)/sizeof(phau_hdr_t): magic(4) +
// version(4) + capacity(8) + fmt(4) + channels(4) + sr(8) + wpos(8) +
// rpos(8) + seq(8) = 56 bytes, every multiple-of-8 field landing on an
// 8-byte boundary. seq is spec.md §3/§4.B's liveness counter: a producer
// bumps it (release ordering) after every Push so a consumer that samples
// it twice and sees no change knows no new data arrived, without having
// to compare wpos/rpos against its own stale copies.
const streamHeaderSize = 56

// Kind distinguishes the two streaming ring flavors. They share a header
// layout and wrap-around byte-ring mechanics; only the magic differs.
type Kind int

const (
	KindIQ Kind = iota
	KindAudio
)

func (k Kind) magic() uint32 {
	if k == KindAudio {
		return MagicAudio
	}
	return MagicIQ
}

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "iq"
}

// Stream is a single-producer/single-consumer byte ring carrying either IQ
// samples or PCM audio. wpos and rpos are monotonically increasing byte
// counters (not masked positions); the actual offset into the data region
// is always pos % capacity, so a producer and consumer at arbitrary
// distances from each other can tell how much data is available without
// a wraparound-count special case.
type Stream struct {
	kind     Kind
	fd       int
	mapBytes int
	mem      []byte
	overflow OverflowPolicy
}

// CreateStream allocates a sealed ring of capBytes payload bytes for the
// given kind, stamps the header with sample rate/channel/format metadata,
// and returns a Stream ready for producer use. overflow governs what Push
// does once the ring fills — see OverflowPolicy.
func CreateStream(kind Kind, tag string, sampleRate float64, channels, format uint32, capBytes int, overflow OverflowPolicy) (*Stream, error) {
	if capBytes <= 0 {
		return nil, fmt.Errorf("shmring: capBytes must be positive, got %d", capBytes)
	}
	mapBytes := streamHeaderSize + capBytes

	fd, err := createSealedFD(tag, mapBytes)
	if err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(fd, 0, mapBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap %s ring: %w", kind, err)
	}

	binary.LittleEndian.PutUint32(mem[0:4], kind.magic())
	binary.LittleEndian.PutUint32(mem[4:8], StreamVerMajor|StreamVerMinor<<16)
	binary.LittleEndian.PutUint64(mem[8:16], uint64(capBytes))
	binary.LittleEndian.PutUint32(mem[16:20], format)
	binary.LittleEndian.PutUint32(mem[20:24], channels)
	binary.LittleEndian.PutUint64(mem[24:32], math.Float64bits(sampleRate))
	atomic.StoreUint64((*uint64)(ptrAt(mem, 32)), 0)
	atomic.StoreUint64((*uint64)(ptrAt(mem, 40)), 0)
	atomic.StoreUint64((*uint64)(ptrAt(mem, 48)), 0)

	return &Stream{kind: kind, fd: fd, mapBytes: mapBytes, mem: mem, overflow: overflow}, nil
}

// AttachStream maps an existing fd as a stream ring of the expected kind,
// validating magic and version. overflow describes how this handle's own
// Push calls should behave if it turns out to be used as a producer; a
// pure consumer can pass any value, it's unused on the read path.
func AttachStream(kind Kind, fd int, overflow OverflowPolicy) (*Stream, error) {
	mapBytes, err := fdSize(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if mapBytes < streamHeaderSize {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: fd too small for %s ring header (%d bytes)", kind, mapBytes)
	}
	mem, err := unix.Mmap(fd, 0, mapBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: mmap %s ring: %w", kind, err)
	}

	magic := binary.LittleEndian.Uint32(mem[0:4])
	if magic != kind.magic() {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, fmt.Errorf("shmring: bad magic for %s ring: got %#x, want %#x", kind, magic, kind.magic())
	}
	verWord := binary.LittleEndian.Uint32(mem[4:8])
	vmaj, vmin := verWord&0xffff, verWord>>16
	if err := checkVersion(kind.String(), vmaj, uint32(StreamVerMajor), vmin, uint32(StreamVerMinor)); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return nil, err
	}

	return &Stream{kind: kind, fd: fd, mapBytes: mapBytes, mem: mem, overflow: overflow}, nil
}

func (s *Stream) FD() int { return s.fd }

func (s *Stream) Capacity() uint64 {
	return binary.LittleEndian.Uint64(s.mem[8:16])
}

func (s *Stream) Format() uint32   { return binary.LittleEndian.Uint32(s.mem[16:20]) }
func (s *Stream) Channels() uint32 { return binary.LittleEndian.Uint32(s.mem[20:24]) }
func (s *Stream) SampleRate() float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(s.mem[24:32]))
}

func (s *Stream) wposPtr() *uint64 { return (*uint64)(ptrAt(s.mem, 32)) }
func (s *Stream) rposPtr() *uint64 { return (*uint64)(ptrAt(s.mem, 40)) }
func (s *Stream) seqPtr() *uint64  { return (*uint64)(ptrAt(s.mem, 48)) }

func (s *Stream) wpos() uint64 { return atomic.LoadUint64(s.wposPtr()) }
func (s *Stream) rpos() uint64 { return atomic.LoadUint64(s.rposPtr()) }

// Seq returns the current value of the producer's liveness counter (see
// streamHeaderSize doc). A consumer polling for new data can sample Seq
// twice across a sleep interval: an unchanged value means nothing was
// pushed in between.
func (s *Stream) Seq() uint64 { return atomic.LoadUint64(s.seqPtr()) }

// Avail returns the number of unread payload bytes.
func (s *Stream) Avail() uint64 {
	return s.wpos() - s.rpos()
}

func (s *Stream) data() []byte {
	return s.mem[streamHeaderSize:]
}

// Push writes src into the ring, applying the configured OverflowPolicy if
// there isn't enough free room. It returns the number of bytes actually
// written (equal to len(src) unless OverflowDrop had to truncate) and
// whether the policy caused any data loss.
func (s *Stream) Push(src []byte) (written int, overflowed bool, err error) {
	cap := s.Capacity()
	if cap == 0 {
		return 0, false, fmt.Errorf("shmring: zero-capacity %s ring", s.kind)
	}
	if uint64(len(src)) > cap {
		return 0, false, fmt.Errorf("shmring: push of %d bytes exceeds ring capacity %d", len(src), cap)
	}

	want := uint64(len(src))
	wpos, rpos := s.wpos(), s.rpos()
	free := cap - (wpos - rpos)

	if want > free {
		switch s.overflow {
		case OverflowDrop:
			want = free
			overflowed = true
		case OverflowAdvance:
			atomic.AddUint64(s.rposPtr(), want-free)
			overflowed = true
		}
	}
	if want == 0 {
		return 0, overflowed, nil
	}

	data := s.data()
	w := wpos % cap
	n1 := cap - w
	if n1 > want {
		n1 = want
	}
	copy(data[w:w+n1], src[:n1])
	if rem := want - n1; rem > 0 {
		copy(data[0:rem], src[n1:n1+rem])
	}
	atomic.AddUint64(s.wposPtr(), want)
	atomic.AddUint64(s.seqPtr(), 1)
	return int(want), overflowed, nil
}

// Pop reads up to len(dst) bytes of the oldest unread payload into dst,
// advancing rpos by the amount read, and returns the number of bytes
// copied. This generalizes ph_audio_ring_pop_f32's byte-level copy/wrap
// logic to any frame size; PopFrames below adds the frame-count framing
// the original exposed at the API boundary.
func (s *Stream) Pop(dst []byte) int {
	cap := s.Capacity()
	avail := s.Avail()
	want := uint64(len(dst))
	if want > avail {
		want = avail
	}
	if want == 0 {
		return 0
	}

	data := s.data()
	rpos := s.rpos()
	r := rpos % cap
	n1 := cap - r
	if n1 > want {
		n1 = want
	}
	copy(dst[:n1], data[r:r+n1])
	if rem := want - n1; rem > 0 {
		copy(dst[n1:n1+rem], data[0:rem])
	}
	atomic.AddUint64(s.rposPtr(), want)
	return int(want)
}

// PopFrames pops up to maxFrames frames of frameBytes each (e.g.
// channels*4 for interleaved float32 PCM) and returns the number of whole
// frames actually popped. A partial frame at the tail of the available
// data is left unread rather than split across calls.
func (s *Stream) PopFrames(dst []byte, maxFrames int, frameBytes int) int {
	want := maxFrames * frameBytes
	if want > len(dst) {
		want = len(dst)
	}
	avail := int(s.Avail())
	if want > avail {
		want = avail
	}
	want -= want % frameBytes
	if want <= 0 {
		return 0
	}
	n := s.Pop(dst[:want])
	return n / frameBytes
}

func (s *Stream) Close() error {
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
