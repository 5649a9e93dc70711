package main

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const partialSuffix = ".part"

// createArchive writes the workspace as tar.gz to archivePath and returns the
// archive size. The content is stored below the base name of the workspace.
func createArchive(archivePath, workspace string) (int64, error) {
	err := os.MkdirAll(filepath.Dir(archivePath), os.ModePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to create backup dir: %w", err)
	}

	_, err = os.Stat(archivePath)
	if err == nil {
		return 0, fmt.Errorf("archive %s already exists", archivePath)
	}

	// write to a temporary name so a broken archive is never rotated
	partialPath := archivePath + partialSuffix
	file, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create archive %s: %w", archivePath, err)
	}

	err = tarDir(file, workspace, filepath.Base(workspace))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(partialPath)
		return 0, fmt.Errorf("failed to write archive %s: %w", archivePath, err)
	}

	err = os.Rename(partialPath, archivePath)
	if err != nil {
		_ = os.Remove(partialPath)
		return 0, fmt.Errorf("failed to finalize archive %s: %w", archivePath, err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return 0, fmt.Errorf("failed to stat archive %s: %w", archivePath, err)
	}
	return info.Size(), nil
}

// tarDir writes a gzip compressed tar of dir with all entries below prefix
func tarDir(writer io.Writer, dir, prefix string) error {
	gzipWriter := gzip.NewWriter(writer)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.Walk(dir, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		// handle symlinks
		var symLinkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			symLinkTarget, err = os.Readlink(file)
			if err != nil {
				return fmt.Errorf("failed to get symlink target of %s: %w", file, err)
			}
		}

		header, err := tar.FileInfoHeader(info, symLinkTarget)
		if err != nil {
			return err
		}

		fileRel, err := filepath.Rel(dir, file)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		header.Name = filepath.ToSlash(filepath.Join(prefix, fileRel))
		if info.IsDir() {
			header.Name += "/"
		}

		err = tarWriter.WriteHeader(header)
		if err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			return copyFileTo(tarWriter, file)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = tarWriter.Close()
	if err != nil {
		return err
	}
	return gzipWriter.Close()
}

func copyFileTo(writer io.Writer, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", file, err)
	}
	defer f.Close()

	_, err = io.Copy(writer, f)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", file, err)
	}
	return nil
}
