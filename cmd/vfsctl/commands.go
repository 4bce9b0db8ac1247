package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gobeaver/vfskit"
	"github.com/spf13/cobra"
)

const chunkSize = 64 * 1024

func (a *app) driversCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drivers",
		Short: "List registered drivers, default first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for i, name := range vfskit.Drivers() {
				marker := " "
				if i == 0 {
					marker = "*"
				}
				fmt.Fprintf(a.out, "%s %s\n", marker, name)
			}
			return nil
		},
	}
}

func (a *app) catCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat [name]",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := vfskit.OpenAndAllocate(a.driver, args[0], vfskit.OpenReadOnly|vfskit.OpenMainDB)
			if err != nil {
				return err
			}
			defer vfskit.CloseAndFree(f)

			r, err := vfskit.NewReader(f)
			if err != nil {
				return err
			}
			_, err = io.Copy(a.out, r)
			return err
		},
	}
}

func (a *app) writeCmd() *cobra.Command {
	var appendMode bool
	cmd := &cobra.Command{
		Use:   "write [name]",
		Short: "Write standard input to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := vfskit.OpenAndAllocate(a.driver, args[0], vfskit.OpenReadWrite|vfskit.OpenCreate|vfskit.OpenMainDB)
			if err != nil {
				return err
			}

			n, err := writeFrom(f, cmd.InOrStdin(), appendMode)
			if err == nil {
				err = f.Sync(vfskit.SyncFull)
			}
			if cerr := vfskit.CloseAndFree(f); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %d bytes\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&appendMode, "append", "a", false, "append instead of replacing the file")
	return cmd
}

// writeFrom copies r into f in chunks, starting at the end of f when
// appending and replacing its contents otherwise.
func writeFrom(f *vfskit.File, r io.Reader, appendMode bool) (int64, error) {
	var off int64
	if appendMode {
		size, err := f.FileSize()
		if err != nil {
			return 0, err
		}
		off = size
	} else if err := f.Truncate(0); err != nil {
		return 0, err
	}

	start := off
	buf := make([]byte, chunkSize)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := f.Write(buf[:n], off); err != nil {
				return off - start, err
			}
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return off - start, nil
		}
		if rerr != nil {
			return off - start, rerr
		}
	}
}

func (a *app) statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat [name]",
		Short: "Show what the driver reports about a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			full, err := a.driver.FullPathname(name)
			if err != nil {
				return err
			}
			writable, err := a.driver.Access(name, vfskit.AccessReadWrite)
			if err != nil {
				return err
			}

			f, granted, err := vfskit.OpenAndAllocate(a.driver, name, vfskit.OpenReadOnly)
			if err != nil {
				return err
			}
			defer vfskit.CloseAndFree(f)
			size, err := f.FileSize()
			if err != nil {
				return err
			}

			fmt.Fprintf(a.out, "name:     %s\n", full)
			fmt.Fprintf(a.out, "driver:   %s\n", a.driver.Name)
			fmt.Fprintf(a.out, "size:     %d\n", size)
			fmt.Fprintf(a.out, "writable: %t\n", writable)
			fmt.Fprintf(a.out, "sector:   %d\n", f.SectorSize())
			fmt.Fprintf(a.out, "caps:     %#x\n", uint32(f.DeviceCharacteristics()))
			fmt.Fprintf(a.out, "flags:    %#x\n", uint32(granted))
			return nil
		},
	}
}

func (a *app) checksumCmd() *cobra.Command {
	var algs []string
	cmd := &cobra.Command{
		Use:   "checksum [name]",
		Short: "Hash a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, _, err := vfskit.OpenAndAllocate(a.driver, args[0], vfskit.OpenReadOnly)
			if err != nil {
				return err
			}
			defer vfskit.CloseAndFree(f)

			list := make([]vfskit.ChecksumAlgorithm, 0, len(algs))
			for _, alg := range algs {
				list = append(list, vfskit.ChecksumAlgorithm(strings.ToLower(strings.TrimSpace(alg))))
			}
			sums, err := vfskit.Checksums(f, list)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(sums))
			for alg := range sums {
				keys = append(keys, string(alg))
			}
			sort.Strings(keys)
			for _, alg := range keys {
				fmt.Fprintf(a.out, "%s  %s\n", alg, sums[vfskit.ChecksumAlgorithm(alg)])
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&algs, "alg", []string{string(vfskit.ChecksumSHA256)}, "algorithms (md5, sha1, sha256, sha512, crc32, xxhash)")
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [name]",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.driver.Delete(args[0], true)
		},
	}
}

func (a *app) tempnameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tempname",
		Short: "Print a fresh temporary file name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := a.driver.TempName()
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, name)
			return nil
		},
	}
}
