package ubi

import (
	"testing"

	"ubi/internal/config"
	"ubi/internal/flashio"
	"ubi/internal/pebhdr"
	"ubi/internal/ubilog"
)

func testConfig() config.Tunables {
	return config.Tunables{
		IORetries: 3, ProtectionQueueLen: 4, WLThreshold: 100, MaxErroneous: 8,
		FastmapUserPoolSize: 4, FastmapWLPoolSize: 4,
	}
}

func TestAttachInstallWriteReadRoundTrip(t *testing.T) {
	d, err := flashio.NewSimDisk(4096, 32, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	defer d.Close()

	inst, err := Attach(d, testConfig(), ubilog.New("test", ubilog.LevelError), AttachOption{FastmapSuperPnum: -1})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer inst.Detach()

	if err := inst.InstallVolume(3, pebhdr.VolDynamic, pebhdr.ModeNormal); err != nil {
		t.Fatalf("InstallVolume: %v", err)
	}

	vol, err := inst.Open(3, OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := vol.WriteLEB(0, []byte("hello world"), 0); err != nil {
		t.Fatalf("WriteLEB: %v", err)
	}
	buf := make([]byte, len("hello world"))
	if _, err := vol.ReadLEB(0, buf, 0); err != nil || string(buf) != "hello world" {
		t.Fatalf("ReadLEB: %q, %v", buf, err)
	}
	vol.Close()
}

func TestOpenModeConflictsSurfaceAsBusy(t *testing.T) {
	d, err := flashio.NewSimDisk(4096, 16, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	defer d.Close()

	inst, err := Attach(d, testConfig(), ubilog.New("test", ubilog.LevelError), AttachOption{FastmapSuperPnum: -1})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer inst.Detach()

	if err := inst.InstallVolume(1, pebhdr.VolDynamic, pebhdr.ModeNormal); err != nil {
		t.Fatalf("InstallVolume: %v", err)
	}
	w, err := inst.Open(1, OpenWrite)
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	defer w.Close()
	if _, err := inst.Open(1, OpenExclusive); err == nil {
		t.Fatalf("expected exclusive open to be rejected while a writer is open")
	}
}

func TestDetachReattachWithFastmapPreservesMapping(t *testing.T) {
	d, err := flashio.NewSimDisk(4096, 32, 512, 2048)
	if err != nil {
		t.Fatalf("NewSimDisk: %v", err)
	}
	defer d.Close()

	cfg := testConfig()
	inst, err := Attach(d, cfg, ubilog.New("test", ubilog.LevelError), AttachOption{FastmapSuperPnum: -1})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := inst.InstallVolume(5, pebhdr.VolDynamic, pebhdr.ModeNormal); err != nil {
		t.Fatalf("InstallVolume: %v", err)
	}
	vol, err := inst.Open(5, OpenWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := vol.WriteLEB(0, []byte("checkpointed"), 0); err != nil {
		t.Fatalf("WriteLEB: %v", err)
	}
	vol.Close()

	superPnum, err := inst.Detach()
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}

	reattached, err := Attach(d, cfg, ubilog.New("test-2", ubilog.LevelError), AttachOption{FastmapSuperPnum: superPnum})
	if err != nil {
		t.Fatalf("Attach with fastmap: %v", err)
	}
	defer reattached.Detach()

	vol2, err := reattached.Open(5, OpenRead)
	if err != nil {
		t.Fatalf("Open after reattach: %v", err)
	}
	defer vol2.Close()
	buf := make([]byte, len("checkpointed"))
	if _, err := vol2.ReadLEB(0, buf, 0); err != nil || string(buf) != "checkpointed" {
		t.Fatalf("ReadLEB after fastmap reattach: %q, %v", buf, err)
	}
}
