// ABOUTME: Tests for the PCM/Opus/FLAC decoder adapters
// ABOUTME: Covers lifecycle ordering, payload unpacking, and failure paths
package codec

import (
	"errors"
	"testing"

	"github.com/sendspin/sendspin-go/pkg/wire"
)

func TestNewReturnsAdapterPerTag(t *testing.T) {
	for _, tag := range []uint8{wire.CodecTagPCM, wire.CodecTagOpus, wire.CodecTagFLAC} {
		dec, err := New(tag)
		if err != nil {
			t.Fatalf("New(%d): %v", tag, err)
		}
		if dec == nil {
			t.Fatalf("New(%d) returned nil decoder", tag)
		}
	}
}

func TestNewUnsupportedTag(t *testing.T) {
	dec, err := New(99)
	if !errors.Is(err, ErrUnsupportedTag) {
		t.Fatalf("expected ErrUnsupportedTag, got %v", err)
	}
	if dec != nil {
		t.Fatal("expected nil decoder for unsupported tag")
	}
}

func TestPCMDecodeUnpacksLittleEndian(t *testing.T) {
	dec := &PCMCodec{}
	if err := dec.Configure(48000, 2, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}

	// Samples 0x0102 and -2 (0xFFFE), little-endian.
	payload := []byte{0x02, 0x01, 0xFE, 0xFF}
	pcm, err := dec.Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 2 {
		t.Fatalf("len(pcm) = %d, want 2", len(pcm))
	}
	if pcm[0] != 0x0102 {
		t.Errorf("pcm[0] = %#x, want 0x0102", pcm[0])
	}
	if pcm[1] != -2 {
		t.Errorf("pcm[1] = %d, want -2", pcm[1])
	}
}

func TestPCMDecodeDropsTrailingOddByte(t *testing.T) {
	dec := &PCMCodec{}
	if err := dec.Configure(48000, 1, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}

	pcm, err := dec.Decode([]byte{0x01, 0x00, 0x7F})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 1 {
		t.Fatalf("len(pcm) = %d, want 1 (truncated sample dropped)", len(pcm))
	}
}

func TestPCMLifecycleIsNoOp(t *testing.T) {
	dec := &PCMCodec{}
	if err := dec.Configure(44100, 2, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := dec.Flush(); err != nil {
		t.Errorf("flush: %v", err)
	}
	if err := dec.Release(); err != nil {
		t.Errorf("release: %v", err)
	}
	if err := dec.Release(); err != nil {
		t.Errorf("double release must be a no-op, got %v", err)
	}
}

func TestOpusDecodeBeforeConfigureFails(t *testing.T) {
	dec := &OpusCodec{}
	_, err := dec.Decode([]byte{0x01})
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed before configure, got %v", err)
	}
}

func TestOpusConfigureAndRelease(t *testing.T) {
	dec := &OpusCodec{}
	if err := dec.Configure(48000, 2, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := dec.Flush(); err != nil {
		t.Errorf("flush: %v", err)
	}
	if err := dec.Release(); err != nil {
		t.Errorf("release: %v", err)
	}
	if err := dec.Release(); err != nil {
		t.Errorf("double release must be a no-op, got %v", err)
	}
}

func TestOpusConfigureRejectsBadChannelCount(t *testing.T) {
	dec := &OpusCodec{}
	if err := dec.Configure(48000, 0, nil); err == nil {
		t.Fatal("expected configure to fail for 0 channels")
	}
}

func TestFLACDecodeBeforeConfigureFails(t *testing.T) {
	dec := &FLACCodec{}
	_, err := dec.Decode([]byte("fLaC"))
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed before configure, got %v", err)
	}
}

func TestFLACDecodeGarbagePayloadFails(t *testing.T) {
	dec := &FLACCodec{}
	if err := dec.Configure(48000, 2, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	_, err := dec.Decode([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	if !errors.Is(err, ErrDecodeFailed) {
		t.Fatalf("expected ErrDecodeFailed for garbage payload, got %v", err)
	}
}

func TestFLACDecodeEmptyPayloadIsNoOp(t *testing.T) {
	dec := &FLACCodec{}
	if err := dec.Configure(48000, 2, nil); err != nil {
		t.Fatalf("configure: %v", err)
	}
	pcm, err := dec.Decode(nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 0 {
		t.Fatalf("expected no samples from empty payload, got %d", len(pcm))
	}
}

func TestFLACConfigureRejectsBadChannelCount(t *testing.T) {
	dec := &FLACCodec{}
	if err := dec.Configure(48000, 3, nil); err == nil {
		t.Fatal("expected configure to fail for 3 channels")
	}
}

func TestSampleToInt16Shifting(t *testing.T) {
	tests := []struct {
		sample   int32
		bitDepth int
		want     int16
	}{
		{0x1234, 16, 0x1234},
		{-1, 16, -1},
		{0x123456, 24, 0x1234},
		{0x12, 8, 0x1200},
	}
	for _, tt := range tests {
		if got := sampleToInt16(tt.sample, tt.bitDepth); got != tt.want {
			t.Errorf("sampleToInt16(%#x, %d) = %#x, want %#x", tt.sample, tt.bitDepth, got, tt.want)
		}
	}
}
