package dfu

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ImageSlot names one of the manifest's image kinds. Exactly one of
// {SlotSoftdevice, SlotBootloader, SlotSoftdeviceBootloader} may serve as
// the base image; SlotApplication is independent, per spec §3.
type ImageSlot string

const (
	SlotApplication          ImageSlot = "application"
	SlotSoftdevice           ImageSlot = "softdevice"
	SlotBootloader           ImageSlot = "bootloader"
	SlotSoftdeviceBootloader ImageSlot = "softdevice_bootloader"
)

// ImageManifestEntry names the init (.dat) and image (.bin) files for one
// manifest slot.
type ImageManifestEntry struct {
	BinFile string `json:"bin_file"`
	DatFile string `json:"dat_file"`
}

func (e *ImageManifestEntry) clone() *ImageManifestEntry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// Manifest is the decoded contents of manifest.json's "manifest" object.
type Manifest struct {
	Application          *ImageManifestEntry `json:"application,omitempty"`
	Softdevice           *ImageManifestEntry `json:"softdevice,omitempty"`
	Bootloader           *ImageManifestEntry `json:"bootloader,omitempty"`
	SoftdeviceBootloader *ImageManifestEntry `json:"softdevice_bootloader,omitempty"`
}

func (m Manifest) entry(slot ImageSlot) *ImageManifestEntry {
	switch slot {
	case SlotApplication:
		return m.Application
	case SlotSoftdevice:
		return m.Softdevice
	case SlotBootloader:
		return m.Bootloader
	case SlotSoftdeviceBootloader:
		return m.SoftdeviceBootloader
	default:
		return nil
	}
}

// clone returns a deep copy, so that mutating the returned value can never
// affect a Package's later Image() calls (spec §4.1).
func (m Manifest) clone() Manifest {
	return Manifest{
		Application:          m.Application.clone(),
		Softdevice:           m.Softdevice.clone(),
		Bootloader:           m.Bootloader.clone(),
		SoftdeviceBootloader: m.SoftdeviceBootloader.clone(),
	}
}

type manifestFile struct {
	Manifest Manifest `json:"manifest"`
}

// Package is a firmware update ZIP, parsed once. It is immutable after
// OpenPackage returns.
type Package struct {
	manifest Manifest
	files    map[string]*zip.File
}

// OpenPackage reads manifest.json from the root of a ZIP archive held in
// data and returns a Package. It fails with *MalformedPackageError if
// manifest.json is absent, isn't valid JSON, or lacks the "manifest" key.
func OpenPackage(data []byte) (*Package, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &MalformedPackageError{Reason: "not a valid ZIP archive: " + err.Error()}
	}

	files := make(map[string]*zip.File, len(r.File))
	var manifestEntry *zip.File
	for _, f := range r.File {
		files[f.Name] = f
		if f.Name == "manifest.json" {
			manifestEntry = f
		}
	}
	if manifestEntry == nil {
		return nil, &MalformedPackageError{Reason: "manifest.json not found"}
	}

	rc, err := manifestEntry.Open()
	if err != nil {
		return nil, &MalformedPackageError{Reason: "could not open manifest.json: " + err.Error()}
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, &MalformedPackageError{Reason: "could not read manifest.json: " + err.Error()}
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, &MalformedPackageError{Reason: "manifest.json is not valid JSON: " + err.Error()}
	}
	if _, ok := probe["manifest"]; !ok {
		return nil, &MalformedPackageError{Reason: `manifest.json lacks the "manifest" key`}
	}

	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, &MalformedPackageError{Reason: "manifest.json has an invalid \"manifest\" object: " + err.Error()}
	}

	return &Package{manifest: mf.Manifest, files: files}, nil
}

// Manifest returns a defensive deep copy of the decoded manifest.
func (p *Package) Manifest() Manifest {
	return p.manifest.clone()
}

// BaseImage returns the first present among {softdevice, bootloader,
// softdevice_bootloader}, or nil if none is present.
func (p *Package) BaseImage() *ImageSlot {
	for _, slot := range []ImageSlot{SlotSoftdevice, SlotBootloader, SlotSoftdeviceBootloader} {
		if p.manifest.entry(slot) != nil {
			s := slot
			return &s
		}
	}
	return nil
}

// AppImage returns SlotApplication if present, else nil.
func (p *Package) AppImage() *ImageSlot {
	if p.manifest.Application != nil {
		s := SlotApplication
		return &s
	}
	return nil
}

// Image returns the raw init (.dat) and firmware (.bin) bytes for slot, in
// that order. It fails with *MalformedPackageError if the manifest doesn't
// name the slot, or names a file not present in the archive.
func (p *Package) Image(slot ImageSlot) (init, firmware []byte, err error) {
	entry := p.manifest.entry(slot)
	if entry == nil {
		return nil, nil, &MalformedPackageError{Reason: fmt.Sprintf("manifest has no %q entry", slot)}
	}

	init, err = p.readFile(entry.DatFile)
	if err != nil {
		return nil, nil, err
	}
	firmware, err = p.readFile(entry.BinFile)
	if err != nil {
		return nil, nil, err
	}
	return init, firmware, nil
}

func (p *Package) readFile(name string) ([]byte, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, &MalformedPackageError{Reason: fmt.Sprintf("file %q referenced by manifest is not present in the archive", name)}
	}
	rc, err := f.Open()
	if err != nil {
		return nil, &MalformedPackageError{Reason: fmt.Sprintf("could not open %q: %s", name, err)}
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &MalformedPackageError{Reason: fmt.Sprintf("could not read %q: %s", name, err)}
	}
	return b, nil
}
