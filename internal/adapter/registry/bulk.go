package registry

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/SebastianBO/globaltrial-sub000/internal/domain"
)

// WalkBulkXML opens an operator-provided dump file and hands each contained
// XML document to parse as a stream. The payload is sniffed, not judged by
// extension: a ZIP archive yields every .xml entry, a bare XML document
// yields itself. Anything else is rejected.
func WalkBulkXML(path string, parse func(name string, r io.Reader) error) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("op=registry.walk_bulk: %w: %s", domain.ErrManualImportRequired, path)
		}
		return fmt.Errorf("op=registry.walk_bulk: %w", err)
	}
	kind, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("op=registry.walk_bulk: %w", err)
	}
	switch {
	case kind.Is("application/zip"):
		return walkZip(path, parse)
	case kind.Is("text/xml") || kind.Is("application/xml"):
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("op=registry.walk_bulk: %w", err)
		}
		defer func() { _ = f.Close() }()
		return parse(path, f)
	default:
		return fmt.Errorf("op=registry.walk_bulk: %w: unsupported dump format %s", domain.ErrInvalidArgument, kind.String())
	}
}

func walkZip(path string, parse func(name string, r io.Reader) error) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("op=registry.walk_bulk: %w", err)
	}
	defer func() { _ = zr.Close() }()
	seen := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("op=registry.walk_bulk: entry %s: %w", f.Name, err)
		}
		err = parse(f.Name, rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
		seen++
	}
	if seen == 0 {
		return fmt.Errorf("op=registry.walk_bulk: %w: archive holds no xml entries", domain.ErrInvalidArgument)
	}
	return nil
}
