package pebhdr

import (
	"errors"
	"testing"

	"ubi/internal/uerr"
)

func TestECHeaderRoundTrip(t *testing.T) {
	h := ECHeader{EC: 1234, ImageSeq: 0xdeadbeef}
	buf := EncodeEC(h)
	got, err := DecodeEC(buf)
	if err != nil {
		t.Fatalf("DecodeEC: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestECHeaderBlankIsTransient(t *testing.T) {
	buf := make([]byte, ECHeaderSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err := DecodeEC(buf)
	var e *uerr.Error
	if !errors.As(err, &e) || e.Kind != uerr.KindTransientIO {
		t.Fatalf("expected KindTransientIO, got %v", err)
	}
}

func TestECHeaderBadCRC(t *testing.T) {
	buf := EncodeEC(ECHeader{EC: 7})
	buf[15] ^= 0xFF // corrupt a data byte without touching the CRC
	_, err := DecodeEC(buf)
	var e *uerr.Error
	if !errors.As(err, &e) || e.Kind != uerr.KindCorruptHeader {
		t.Fatalf("expected KindCorruptHeader, got %v", err)
	}
}

func TestVIDHeaderRoundTrip(t *testing.T) {
	h := VIDHeader{
		VolID: 3, Lnum: 9, VolType: VolStatic, VolMode: ModeSLC,
		UsedEBs: 5, DataSize: 4096, DataPad: 0, CopyFlag: true,
		LPos: 2, Sqnum: 99999,
	}
	buf := EncodeVID(h)
	got, err := DecodeVID(buf)
	if err != nil {
		t.Fatalf("DecodeVID: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestVIDHeaderBadMagic(t *testing.T) {
	buf := EncodeVID(VIDHeader{VolID: 1})
	buf[0] ^= 0xFF
	_, err := DecodeVID(buf)
	var e *uerr.Error
	if !errors.As(err, &e) || e.Kind != uerr.KindCorruptHeader {
		t.Fatalf("expected KindCorruptHeader, got %v", err)
	}
}
