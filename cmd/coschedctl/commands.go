package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
	"github.com/webriots/cosched"
	"github.com/webriots/cosched/aio"
	"golang.org/x/sys/unix"
)

const defaultChunk = 64 << 10

func chunkFlag() cli.Flag {
	return &cli.IntFlag{
		Name:  "chunk",
		Value: defaultChunk,
		Usage: "bytes per read",
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print files to standard output",
		ArgsUsage: "FILE...",
		Flags:     []cli.Flag{chunkFlag()},
		Action:    catAction,
	}
}

func catAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("cat: at least one FILE is required", 2)
	}
	chunk := c.Int("chunk")
	if chunk <= 0 {
		return cli.Exit("cat: --chunk must be positive", 2)
	}

	e, err := newEngine(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("cat: %v", err), 1)
	}
	defer e.serveMetrics(c.String("metrics-addr"))()

	paths := c.Args().Slice()
	return e.run(c.Context, "cat", func(ctx context.Context, _ *cosched.Task) error {
		buf := make([]byte, chunk)
		for _, path := range paths {
			if err := catFile(ctx, e.io, path, buf, unix.Stdout); err != nil {
				return err
			}
		}
		return nil
	})
}

func catFile(ctx context.Context, io *aio.AIO, path string, buf []byte, out int) error {
	fd, err := openFile(ctx, io, path, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}

	var off int64
	for {
		n, err := io.ReadAt(ctx, fd, buf, off)
		if err != nil {
			_ = io.Close(ctx, fd)
			return fmt.Errorf("read %s: %w", path, err)
		}
		if n == 0 {
			break
		}
		if _, err := io.Write(ctx, out, buf[:n]); err != nil {
			_ = io.Close(ctx, fd)
			return fmt.Errorf("write output: %w", err)
		}
		off += int64(n)
	}
	return io.Close(ctx, fd)
}

func copyCommand() *cli.Command {
	return &cli.Command{
		Name:      "copy",
		Aliases:   []string{"cp"},
		Usage:     "copy SRC to DST, reading ahead while writing",
		ArgsUsage: "SRC DST",
		Flags: []cli.Flag{
			chunkFlag(),
			&cli.BoolFlag{
				Name:  "fsync",
				Value: true,
				Usage: "flush DST before closing it",
			},
		},
		Action: copyAction,
	}
}

func copyAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("copy: exactly SRC and DST are required", 2)
	}
	chunk := c.Int("chunk")
	if chunk <= 0 {
		return cli.Exit("copy: --chunk must be positive", 2)
	}

	e, err := newEngine(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("copy: %v", err), 1)
	}
	defer e.serveMetrics(c.String("metrics-addr"))()

	src, dst, sync := c.Args().Get(0), c.Args().Get(1), c.Bool("fsync")
	var copied int64
	err = e.run(c.Context, "copy", func(ctx context.Context, _ *cosched.Task) error {
		var err error
		copied, err = copyFile(ctx, e.io, src, dst, chunk, sync)
		return err
	})
	if err != nil {
		return cli.Exit(fmt.Sprintf("copy: %v", err), 1)
	}
	e.logger.Info("copied", "src", src, "dst", dst, "bytes", copied)
	return nil
}

// copyFile keeps one read in flight while the previous chunk is being
// written.
func copyFile(ctx context.Context, io *aio.AIO, src, dst string, chunk int, sync bool) (int64, error) {
	in, err := openFile(ctx, io, src, unix.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer func() { _ = io.Close(ctx, in) }()

	out, err := openFile(ctx, io, dst, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	bufs := [2][]byte{make([]byte, chunk), make([]byte, chunk)}
	pending, err := io.ReadAsync(in, bufs[0], 0)
	if err != nil {
		_ = io.Close(ctx, out)
		return 0, err
	}

	var off int64
	for i := 0; ; i++ {
		res, err := pending.Wait(ctx)
		if err != nil {
			_ = io.Close(ctx, out)
			return off, fmt.Errorf("read %s: %w", src, err)
		}
		if res.N == 0 {
			break
		}

		next, err := io.ReadAsync(in, bufs[(i+1)%2], off+int64(res.N))
		if err != nil {
			_ = io.Close(ctx, out)
			return off, err
		}
		if _, err := io.WriteAt(ctx, out, bufs[i%2][:res.N], off); err != nil {
			next.DiscardResults()
			_ = io.Close(ctx, out)
			return off, fmt.Errorf("write %s: %w", dst, err)
		}
		off += int64(res.N)
		pending = next
	}

	if sync {
		if err := io.Fsync(ctx, out); err != nil {
			_ = io.Close(ctx, out)
			return off, fmt.Errorf("fsync %s: %w", dst, err)
		}
	}
	return off, io.Close(ctx, out)
}

// openFile runs open(2) on a worker thread.
func openFile(ctx context.Context, io *aio.AIO, path string, flags int, perm uint32) (int, error) {
	fd := -1
	ok, err := io.Call(ctx, func() error {
		var err error
		fd, err = unix.Open(path, flags|unix.O_CLOEXEC, perm)
		return err
	})
	if !ok {
		return -1, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, nil
}
