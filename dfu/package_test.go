package dfu

import (
	"archive/zip"
	"bytes"
	"testing"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, contents := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		if _, err := f.Write([]byte(contents)); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestOpenPackageReadsImages(t *testing.T) {
	manifest := `{"manifest":{"application":{"bin_file":"app.bin","dat_file":"app.dat"}}}`
	data := buildZip(t, map[string]string{
		"manifest.json": manifest,
		"app.bin":       "firmware-bytes",
		"app.dat":       "init-bytes",
	})

	pkg, err := OpenPackage(data)
	if err != nil {
		t.Fatalf("OpenPackage: %v", err)
	}

	app := pkg.AppImage()
	if app == nil || *app != SlotApplication {
		t.Fatalf("AppImage() = %v, want SlotApplication", app)
	}
	if pkg.BaseImage() != nil {
		t.Errorf("BaseImage() = %v, want nil (no softdevice/bootloader entries)", pkg.BaseImage())
	}

	init, firmware, err := pkg.Image(SlotApplication)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if string(init) != "init-bytes" || string(firmware) != "firmware-bytes" {
		t.Errorf("got init=%q firmware=%q", init, firmware)
	}
}

func TestOpenPackageRejectsMissingManifest(t *testing.T) {
	data := buildZip(t, map[string]string{"app.bin": "x"})
	if _, err := OpenPackage(data); err == nil {
		t.Error("expected an error for a ZIP with no manifest.json")
	}
}

func TestOpenPackageRejectsManifestWithoutManifestKey(t *testing.T) {
	data := buildZip(t, map[string]string{"manifest.json": `{"not_manifest": {}}`})
	if _, err := OpenPackage(data); err == nil {
		t.Error("expected an error for a manifest.json lacking the manifest key")
	}
}

func TestOpenPackageRejectsDanglingFileReference(t *testing.T) {
	manifest := `{"manifest":{"application":{"bin_file":"missing.bin","dat_file":"missing.dat"}}}`
	data := buildZip(t, map[string]string{"manifest.json": manifest})

	pkg, err := OpenPackage(data)
	if err != nil {
		t.Fatalf("OpenPackage: %v", err)
	}
	if _, _, err := pkg.Image(SlotApplication); err == nil {
		t.Error("expected an error referencing a file absent from the archive")
	}
}

func TestManifestCloneIsIndependent(t *testing.T) {
	m := Manifest{Application: &ImageManifestEntry{BinFile: "a.bin"}}
	clone := m.clone()
	clone.Application.BinFile = "mutated.bin"

	if m.Application.BinFile != "a.bin" {
		t.Errorf("original manifest mutated via clone: got %q", m.Application.BinFile)
	}
}
