package dfu_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bledfu/securedfu/dfu"
	"github.com/bledfu/securedfu/dfu/dfutest"
)

func testImage(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i) + seed
	}
	return b
}

func TestUpdateHappyPath(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	driver := dfu.New(dfu.WithDisconnectTimeout(50 * time.Millisecond))

	var progressed []dfu.ProgressEvent
	driver.Events().On("progress", func(p interface{}) {
		progressed = append(progressed, p.(dfu.ProgressEvent))
	})

	init := testImage(40, 1)
	firmware := testImage(300, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.Update(ctx, fake, init, firmware); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Received(dfu.ImageInit); string(got) != string(init) {
		t.Errorf("init image mismatch: got %d bytes, want %d", len(got), len(init))
	}
	if got := fake.Received(dfu.ImageFirmware); string(got) != string(firmware) {
		t.Errorf("firmware image mismatch: got %d bytes, want %d", len(got), len(firmware))
	}
	if len(progressed) == 0 {
		t.Error("expected at least one progress event")
	}
	last := progressed[len(progressed)-1]
	if last.ValidatedBytes != uint32(len(firmware)) {
		t.Errorf("final validated bytes = %d, want %d", last.ValidatedBytes, len(firmware))
	}
}

func TestUpdateSkipsAlreadyCompleteInitPacket(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	driver := dfu.New(dfu.WithDisconnectTimeout(50 * time.Millisecond))

	init := testImage(40, 1)
	firmware := testImage(100, 2)
	fake.SeedComplete(dfu.ImageInit, init)

	fake.CreateHook = func(kind dfu.ImageKind, attempt int) (bool, byte) {
		if kind == dfu.ImageInit {
			t.Errorf("CREATE issued for init packet that should have been skipped")
		}
		return false, 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.Update(ctx, fake, init, firmware); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Received(dfu.ImageFirmware); string(got) != string(firmware) {
		t.Errorf("firmware image mismatch: got %d bytes, want %d", len(got), len(firmware))
	}
}

func TestUpdateRetriesTransientBusyWrites(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	driver := dfu.New(dfu.WithDisconnectTimeout(50 * time.Millisecond))

	busyCount := 0
	fake.PacketWriteHook = func(seq int, chunk []byte) error {
		busyCount++
		if busyCount <= 2 {
			return fmt.Errorf("gatt write in progress")
		}
		return nil
	}

	init := testImage(20, 1)
	firmware := testImage(60, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.Update(ctx, fake, init, firmware); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Received(dfu.ImageFirmware); string(got) != string(firmware) {
		t.Errorf("firmware image mismatch after busy retries: got %d bytes, want %d", len(got), len(firmware))
	}
}

func TestUpdateFailsOnMTUViolation(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	fake.SetMTU(20) // MTU-3 = 17 bytes, smaller than the configured packet size

	driver := dfu.New(dfu.WithSmartSpeed(false), dfu.WithPacketSize(25))

	init := testImage(10, 1)
	firmware := testImage(100, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := driver.Update(ctx, fake, init, firmware)
	if err == nil {
		t.Fatal("expected an error from an MTU violation, got nil")
	}
	if !strings.Contains(err.Error(), "longer than maximum length") {
		t.Errorf("got error %q, want a message containing %q", err.Error(), "longer than maximum length")
	}
}

func TestUpdateDegradesPacketSizeOnRepeatedCrcMismatch(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	fake.SetMTU(512) // room for 100-byte packets; the default MTU only allows 20
	driver := dfu.New(
		dfu.WithPacketSize(100),
		dfu.WithDisconnectTimeout(50*time.Millisecond),
	)

	fake.ChecksumHook = func(kind dfu.ImageKind, attempt int, actual int32) (int32, bool) {
		if kind == dfu.ImageFirmware && attempt < 4 {
			return actual + 1, true
		}
		return actual, false
	}

	init := testImage(20, 1)
	firmware := testImage(250, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.Update(ctx, fake, init, firmware); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Received(dfu.ImageFirmware); string(got) != string(firmware) {
		t.Errorf("firmware image mismatch after degrade: got %d bytes, want %d", len(got), len(firmware))
	}
}

func TestUpdateEnablesPRNAfterRepeatedCrcMismatchAtPacketSizeFloor(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	driver := dfu.New(
		dfu.WithPacketSize(20),
		dfu.WithPRNInterval(0),
		dfu.WithDisconnectTimeout(50*time.Millisecond),
	)

	fake.ChecksumHook = func(kind dfu.ImageKind, attempt int, actual int32) (int32, bool) {
		if kind == dfu.ImageFirmware && attempt < 4 {
			return actual + 1, true
		}
		return actual, false
	}

	init := testImage(20, 1)
	firmware := testImage(80, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := driver.Update(ctx, fake, init, firmware); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := fake.Received(dfu.ImageFirmware); string(got) != string(firmware) {
		t.Errorf("firmware image mismatch after PRN degrade: got %d bytes, want %d", len(got), len(firmware))
	}
}

func TestUpdateSurfacesDeviceExtendedError(t *testing.T) {
	fake := dfutest.NewFakeBootloader()
	driver := dfu.New()

	fake.CreateHook = func(kind dfu.ImageKind, attempt int) (bool, byte) {
		if kind == dfu.ImageFirmware {
			return true, dfutest.ExtendedErrorFirmwareVersion
		}
		return false, 0
	}

	init := testImage(20, 1)
	firmware := testImage(20, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := driver.Update(ctx, fake, init, firmware)
	if err == nil {
		t.Fatal("expected an error from a rejected CREATE, got nil")
	}
	dfuErr, ok := err.(*dfu.DfuError)
	if !ok {
		t.Fatalf("got error of type %T, want *dfu.DfuError", err)
	}
	if !dfuErr.HasExtended || dfuErr.ExtendedCode != dfutest.ExtendedErrorFirmwareVersion {
		t.Errorf("got extended code %#x (has=%v), want %#x", dfuErr.ExtendedCode, dfuErr.HasExtended, dfutest.ExtendedErrorFirmwareVersion)
	}
}
