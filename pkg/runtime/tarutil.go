package runtime

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// addPathToTar packages hostPath (file or directory) into tw, renaming the
// single top-level entry to rename. §4.1 requires that when the source is a
// single file and the destination basename differs from the source
// basename, the implementation renames the entry before transfer so the
// file lands with the name the caller asked for.
func addPathToTar(tw *tar.Writer, hostPath, rename string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return addFileToTar(tw, hostPath, rename, info)
	}

	return filepath.Walk(hostPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(hostPath, path)
		if err != nil {
			return err
		}
		entryName := rename
		if rel != "." {
			entryName = filepath.ToSlash(filepath.Join(rename, rel))
		}
		if fi.IsDir() {
			hdr := &tar.Header{Name: entryName + "/", Typeflag: tar.TypeDir, Mode: int64(fi.Mode().Perm())}
			return tw.WriteHeader(hdr)
		}
		return addFileToTar(tw, path, entryName, fi)
	})
}

func addFileToTar(tw *tar.Writer, path, entryName string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = entryName

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// tarFromDir packages an entire build context directory into a tar stream
// rooted at "." as the Docker/Podman build APIs expect, skipping .git*
// entries the way a .dockerignore normally would.
func tarFromDir(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if strings.HasPrefix(filepath.Base(rel), ".git") {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entryName := filepath.ToSlash(rel)
		if fi.IsDir() {
			hdr := &tar.Header{Name: entryName + "/", Typeflag: tar.TypeDir, Mode: int64(fi.Mode().Perm())}
			return tw.WriteHeader(hdr)
		}
		return addFileToTar(tw, path, entryName, fi)
	})
	if err != nil {
		tw.Close()
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// extractTarArchive extracts a tar stream into hostDestDir. If the archive
// contains exactly one file entry and expectedName differs from that
// entry's basename, the extracted file is renamed to expectedName — the
// receiving half of the single-file rename rule in §4.1.
func extractTarArchive(r io.Reader, hostDestDir, expectedName string) error {
	tr := tar.NewReader(r)

	var entries []string
	if err := os.MkdirAll(hostDestDir, 0o755); err != nil {
		return err
	}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(hostDestDir, filepath.FromSlash(hdr.Name))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
			entries = append(entries, target)
		}
	}

	if len(entries) == 1 && expectedName != "" {
		wantPath := filepath.Join(hostDestDir, expectedName)
		if entries[0] != wantPath {
			return os.Rename(entries[0], wantPath)
		}
	}

	return nil
}
