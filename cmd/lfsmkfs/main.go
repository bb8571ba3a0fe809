// Command lfsmkfs formats a fresh LFS image, the counterpart to
// original_source/mkfs.c for this engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-lfs-engine/lfs"
)

func main() {
	var (
		nblocks = flag.Uint64("blocks", 65536, "total image size in blocks")
		segsize = flag.Uint64("segsize", 512, "segment size in blocks")
		ninodes = flag.Uint64("inodes", 1024, "number of inodes")
	)
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: lfsmkfs [flags] <image-file>")
		flag.PrintDefaults()
		os.Exit(1)
	}
	path := flag.Arg(0)

	dev, err := lfs.CreateFileDevice(path, uint32(*nblocks))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lfsmkfs: %s\n", err)
		os.Exit(1)
	}
	defer dev.Close()

	eng, err := lfs.Mkfs(dev, uint32(*nblocks), uint32(*segsize), uint32(*ninodes))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lfsmkfs: %s\n", err)
		os.Exit(1)
	}
	if err := eng.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "lfsmkfs: final sync: %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("formatted %s: %d blocks, %d-block segments, %d inodes\n", path, *nblocks, *segsize, *ninodes)
}
