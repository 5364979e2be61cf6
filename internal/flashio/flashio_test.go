package flashio

import (
	"errors"
	"testing"

	"ubi/internal/pebhdr"
	"ubi/internal/uerr"
)

func newTestIO(t *testing.T) (*IO, *SimDisk) {
	t.Helper()
	d, err := NewSimDisk(4096, 16, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return New(d, 3, true), d
}

func TestECAndVIDHeaderRoundTrip(t *testing.T) {
	io, _ := newTestIO(t)
	if err := io.WriteECHeader(0, pebhdr.ECHeader{EC: 5}); err != nil {
		t.Fatalf("WriteECHeader: %v", err)
	}
	h, err := io.ReadECHeader(0)
	if err != nil || h.EC != 5 {
		t.Fatalf("ReadECHeader: %+v, %v", h, err)
	}

	vid := pebhdr.VIDHeader{VolID: 1, Lnum: 2, Sqnum: 7}
	if err := io.WriteVIDHeader(0, 0, vid); err != nil {
		t.Fatalf("WriteVIDHeader: %v", err)
	}
	got, err := io.ReadVIDHeader(0, 0)
	if err != nil || got != vid {
		t.Fatalf("ReadVIDHeader: %+v, %v", got, err)
	}
}

func TestDataRoundTrip(t *testing.T) {
	io, _ := newTestIO(t)
	payload := []byte("hello-ubi")
	if err := io.WriteData(0, 0, payload, ModeNormal); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	got, _, err := io.ReadData(0, 0, len(payload))
	if err != nil || string(got) != string(payload) {
		t.Fatalf("ReadData: %q, %v", got, err)
	}
}

func TestUncorrectableSurfacesWithoutRetry(t *testing.T) {
	io, d := newTestIO(t)
	d.InjectUncorrectable(1)
	_, _, err := io.ReadData(1, 0, 16)
	var e *uerr.Error
	if !errors.As(err, &e) || e.Kind != uerr.KindUncorrectableRead {
		t.Fatalf("expected KindUncorrectableRead, got %v", err)
	}
}

func TestBitflipStillSucceeds(t *testing.T) {
	io, d := newTestIO(t)
	if err := io.WriteData(2, 0, []byte("data"), ModeNormal); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	d.InjectBitflip(2)
	got, outcome, err := io.ReadData(2, 0, 4)
	if err != nil {
		t.Fatalf("ReadData: %v", err)
	}
	if outcome != OutcomeBitflips {
		t.Fatalf("expected OutcomeBitflips, got %v", outcome)
	}
	if string(got) != "data" {
		t.Fatalf("data lost on bitflip outcome: %q", got)
	}
}

func TestWriteFailureLatchesReadOnly(t *testing.T) {
	io, d := newTestIO(t)
	for i := 0; i <= io.retries; i++ {
		d.InjectWriteFailure(3)
	}
	err := io.WriteData(3, 0, []byte("x"), ModeNormal)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !io.IsReadOnly() {
		t.Fatalf("expected read-only latch after exhausting retries")
	}
	err2 := io.WriteData(4, 0, []byte("y"), ModeNormal)
	var e *uerr.Error
	if !errors.As(err2, &e) || e.Kind != uerr.KindFatal {
		t.Fatalf("expected writes to fail fast once latched, got %v", err2)
	}
}

func TestTortureMarksPebBad(t *testing.T) {
	io, d := newTestIO(t)
	d.InjectTortureSurvives(5)
	err := io.Erase(5, true)
	var e *uerr.Error
	if !errors.As(err, &e) || e.Kind != uerr.KindBadPEB {
		t.Fatalf("expected KindBadPEB, got %v", err)
	}
	if !io.IsBad(5) {
		t.Fatalf("expected peb 5 marked bad")
	}
}
