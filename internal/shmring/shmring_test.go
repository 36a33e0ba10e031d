package shmring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimplePublishPeekRoundTrip(t *testing.T) {
	s, err := CreateSimple("test-simple", 64)
	require.NoError(t, err, "create")
	defer s.Close()

	require.EqualValues(t, 64, s.Capacity())

	msg := []byte("hello ring")
	seq, err := s.Publish(msg)
	require.NoError(t, err, "publish")
	require.EqualValues(t, 1, seq)

	got, gotSeq := s.Peek()
	require.Equal(t, msg, got)
	require.EqualValues(t, 1, gotSeq)

	_, err = s.Publish(make([]byte, 65))
	require.Error(t, err, "expected error publishing oversized payload")
}

func TestSimpleAttachValidatesMagic(t *testing.T) {
	s, err := CreateSimple("test-simple-attach", 16)
	require.NoError(t, err, "create")
	defer s.Close()

	attached, err := AttachSimple(dupFD(t, s.FD()))
	require.NoError(t, err, "attach")
	defer attached.Close()

	require.EqualValues(t, 16, attached.Capacity())
}

func TestStreamPushPopRoundTrip(t *testing.T) {
	s, err := CreateStream(KindIQ, "test-iq", 2_000_000, 1, FmtCF32, 32, OverflowAdvance)
	require.NoError(t, err, "create")
	defer s.Close()

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	n, overflowed, err := s.Push(payload)
	require.NoError(t, err, "push")
	require.Equal(t, len(payload), n)
	require.False(t, overflowed)

	dst := make([]byte, 8)
	got := s.Pop(dst)
	require.Equal(t, len(payload), got)
	require.Equal(t, payload, dst)
	require.Zero(t, s.Avail())
}

func TestStreamSeqBumpsOnPush(t *testing.T) {
	s, err := CreateStream(KindIQ, "test-iq-seq", 2_000_000, 1, FmtCF32, 32, OverflowAdvance)
	require.NoError(t, err, "create")
	defer s.Close()

	require.Zero(t, s.Seq(), "fresh ring should start at seq 0")

	_, _, err = s.Push([]byte{1, 2, 3, 4})
	require.NoError(t, err, "push 1")
	require.EqualValues(t, 1, s.Seq())

	before := s.Seq()
	_ = s.Pop(make([]byte, 4))
	require.Equal(t, before, s.Seq(), "pop alone must not bump seq")

	_, _, err = s.Push([]byte{5, 6, 7, 8})
	require.NoError(t, err, "push 2")
	require.EqualValues(t, 2, s.Seq())
}

func TestStreamWrapAround(t *testing.T) {
	s, err := CreateStream(KindAudio, "test-audio-wrap", 48000, 1, FmtF32, 10, OverflowDrop)
	require.NoError(t, err, "create")
	defer s.Close()

	_, _, err = s.Push([]byte{1, 2, 3, 4, 5, 6})
	require.NoError(t, err, "push 1")
	_ = s.Pop(make([]byte, 6))

	second := []byte{7, 8, 9, 10, 11, 12, 13, 14}
	n, overflowed, err := s.Push(second)
	require.NoError(t, err, "push 2")
	require.False(t, overflowed)
	require.Equal(t, len(second), n)

	dst := make([]byte, 8)
	got := s.Pop(dst)
	require.Equal(t, len(second), got)
	require.Equal(t, second, dst, "wrapped pop")
}

func TestStreamOverflowDrop(t *testing.T) {
	s, err := CreateStream(KindAudio, "test-audio-drop", 48000, 1, FmtF32, 8, OverflowDrop)
	require.NoError(t, err, "create")
	defer s.Close()

	_, _, err = s.Push(make([]byte, 12))
	require.Error(t, err, "push larger than capacity is refused")

	_, _, err = s.Push(make([]byte, 4))
	require.NoError(t, err, "push 1")
	n, overflowed, err := s.Push(make([]byte, 8))
	require.NoError(t, err, "push 2")
	require.True(t, overflowed)
	require.Equal(t, 4, n, "only the 4 free bytes are written")
}

func TestStreamOverflowAdvance(t *testing.T) {
	s, err := CreateStream(KindIQ, "test-iq-advance", 2_000_000, 1, FmtCF32, 8, OverflowAdvance)
	require.NoError(t, err, "create")
	defer s.Close()

	_, _, err = s.Push([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err, "push 1")
	n, overflowed, err := s.Push([]byte{9, 10, 11, 12})
	require.NoError(t, err, "push 2")
	require.True(t, overflowed)
	require.Equal(t, 4, n)

	dst := make([]byte, 4)
	got := s.Pop(dst)
	require.Equal(t, 4, got)
	require.Equal(t, []byte{5, 6, 7, 8}, dst, "pop after advance should show stale tail dropped")
}

func TestPopFrames(t *testing.T) {
	s, err := CreateStream(KindAudio, "test-popframes", 48000, 2, FmtF32, 64, OverflowDrop)
	require.NoError(t, err, "create")
	defer s.Close()

	frameBytes := 2 * 4 // 2 channels * float32
	_, _, err = s.Push(make([]byte, frameBytes*3+1))
	require.NoError(t, err, "push")

	dst := make([]byte, 64)
	n := s.PopFrames(dst, 10, frameBytes)
	require.Equal(t, 3, n, "partial frame left behind")
	require.EqualValues(t, 1, s.Avail(), "leftover byte")
}

func dupFD(t *testing.T, fd int) int {
	t.Helper()
	// CreateSimple/CreateStream own their fd; Attach*'s Close also closes
	// the fd, so tests that both keep the original handle open and attach
	// to it need their own copy.
	new, err := dupSyscall(fd)
	require.NoError(t, err, "dup")
	return new
}
