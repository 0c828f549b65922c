// Command mkext2 formats an ext2 image file and populates it from a host
// skeleton directory. It is the host-side replacement for the teacher's
// mkfs tool (biscuit/src/mkfs/mkfs.go), rebuilt on top of the ext2
// package instead of the teacher's log-structured ufs.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ext2"
	"ustr"
	"vfs"
)

// fileDevice adapts an *os.File to ext2.BlockDevice.
type fileDevice struct {
	f *os.File
}

func (d *fileDevice) ReadAt(buf []uint8, off int64) error {
	_, err := d.f.ReadAt(buf, off)
	if err == io.EOF {
		return nil
	}
	return err
}

func (d *fileDevice) WriteAt(buf []uint8, off int64) error {
	_, err := d.f.WriteAt(buf, off)
	return err
}

func main() {
	var blocks uint32
	var fsid uint64

	root := &cobra.Command{
		Use:   "mkext2 <image> <skel-dir>",
		Short: "Format an ext2 image and populate it from a host directory tree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], blocks, fsid)
		},
	}
	root.Flags().Uint32Var(&blocks, "blocks", 65536, "total 1KiB blocks in the image (default: 64MiB)")
	root.Flags().Uint64Var(&fsid, "fsid", 1, "filesystem id tagged onto every vfs.Node this image produces")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(image, skelDir string, blocks uint32, fsid uint64) error {
	f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", image, err)
	}
	defer f.Close()

	fs, ferr := ext2.Format(&fileDevice{f}, blocks, fsid)
	if ferr != 0 {
		return fmt.Errorf("format: %v", ferr)
	}

	rootNode := fs.NodeFor(ext2.RootIno)
	if err := addTree(rootNode, skelDir); err != nil {
		return err
	}

	if serr := fs.Sync(); serr != 0 {
		return fmt.Errorf("sync: %v", serr)
	}
	fmt.Printf("mkext2: wrote %d blocks from %s to %s\n", blocks, skelDir, image)
	return nil
}

// addTree walks skelDir on the host and replicates its contents under
// dirNode, creating a directory or regular file for each entry and
// copying file bytes through Node.Write. WalkDir always visits a
// directory before its children, so a simple rel-path -> *ext2.Node
// cache is enough to find each entry's parent without a lookup-by-name
// path on ext2.Node.
func addTree(dirNode *ext2.Node, skelDir string) error {
	dirs := map[string]*ext2.Node{".": dirNode}

	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, skelDir), string(filepath.Separator))
		if rel == "" {
			return nil
		}

		parentRel := filepath.Dir(rel)
		parent, ok := dirs[parentRel]
		if !ok {
			return fmt.Errorf("%s: parent directory not yet created", rel)
		}
		name := filepath.Base(rel)

		if d.IsDir() {
			child, cerr := parent.CreateChild(ustr.Ustr(name), vfs.TypeDir)
			if cerr != 0 {
				return fmt.Errorf("mkdir %s: %v", rel, cerr)
			}
			dirs[rel] = child.(*ext2.Node)
			return nil
		}

		child, cerr := parent.CreateChild(ustr.Ustr(name), vfs.TypeFile)
		if cerr != 0 {
			return fmt.Errorf("create %s: %v", rel, cerr)
		}
		return copyFile(child.(*ext2.Node), path)
	})
}

func copyFile(n *ext2.Node, hostPath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	const chunkSize = 4096
	buf := make([]byte, chunkSize)
	off := 0
	for {
		nread, rerr := src.Read(buf)
		if nread > 0 {
			if _, werr := n.Write(off, buf[:nread]); werr != 0 {
				return fmt.Errorf("write %s: %v", hostPath, werr)
			}
			off += nread
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
