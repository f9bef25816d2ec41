package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
	"github.com/nwaples/rardecode/v2"
)

// Format identifies a supported stems archive container.
type Format string

const (
	FormatZip   Format = "zip"
	FormatRar   Format = "rar"
	Format7z    Format = "7z"
	FormatTarGz Format = "tar.gz"
)

// DetectFormat classifies an archive by file name. Returns false for
// containers no extractor handles.
func DetectFormat(path string) (Format, bool) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, true
	case strings.HasSuffix(lower, ".rar"):
		return FormatRar, true
	case strings.HasSuffix(lower, ".7z"):
		return Format7z, true
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, true
	default:
		return "", false
	}
}

// extractArchive unpacks the archive into destDir. Entry paths are validated
// so an archive cannot write outside the scratch directory.
func extractArchive(path string, format Format, destDir string) error {
	switch format {
	case FormatZip:
		return extractZip(path, destDir)
	case FormatRar:
		return extractRar(path, destDir)
	case Format7z:
		return extract7z(path, destDir)
	case FormatTarGz:
		return extractTarGz(path, destDir)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
}

func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean(strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("empty entry name")
	}
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("entry %q escapes extraction directory", name)
	}
	target := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("entry %q escapes extraction directory", name)
	}
	return target, nil
}

func writeEntry(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, src); err != nil {
		return err
	}
	return out.Close()
}

func extractZip(path, destDir string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		entry, err := file.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", file.Name, err)
		}
		err = writeEntry(target, entry)
		_ = entry.Close()
		if err != nil {
			return fmt.Errorf("extract zip entry %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractRar(path, destDir string) error {
	reader, err := rardecode.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open rar: %w", err)
	}
	defer reader.Close()

	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := writeEntry(target, reader); err != nil {
			return fmt.Errorf("extract rar entry %s: %w", header.Name, err)
		}
	}
}

func extract7z(path, destDir string) error {
	reader, err := sevenzip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("open 7z: %w", err)
	}
	defer reader.Close()

	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}
		entry, err := file.Open()
		if err != nil {
			return fmt.Errorf("open 7z entry %s: %w", file.Name, err)
		}
		err = writeEntry(target, entry)
		_ = entry.Close()
		if err != nil {
			return fmt.Errorf("extract 7z entry %s: %w", file.Name, err)
		}
	}
	return nil
}

func extractTarGz(path, destDir string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open tar.gz: %w", err)
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	reader := tar.NewReader(gz)
	for {
		header, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}
		if err := writeEntry(target, reader); err != nil {
			return fmt.Errorf("extract tar entry %s: %w", header.Name, err)
		}
	}
}

// buildZip packs every regular file under srcDir into a flat zip at dstPath.
// Entry names keep their path relative to srcDir.
func buildZip(srcDir, dstPath string) error {
	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create zip: %w", err)
	}
	defer func() { _ = out.Close() }()

	writer := zip.NewWriter(out)
	err = filepath.WalkDir(srcDir, func(path string, entry os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		w, err := writer.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		_, copyErr := io.Copy(w, in)
		_ = in.Close()
		return copyErr
	})
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("pack zip: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalize zip: %w", err)
	}
	return out.Close()
}
