package aio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// maxRetainedScratch caps the buffer a recycled job keeps.
const maxRetainedScratch = 1 << 20

// Command is the blocking operation a Job performs.
type Command uint8

const (
	CmdRead Command = iota
	CmdWrite
	CmdFsync
	CmdClose
	CmdCall
)

func (c Command) String() string {
	switch c {
	case CmdRead:
		return "read"
	case CmdWrite:
		return "write"
	case CmdFsync:
		return "fsync"
	case CmdClose:
		return "close"
	case CmdCall:
		return "call"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// Job is one outstanding blocking operation. Reads and writes go
// through a job-owned scratch buffer so the caller's memory is never
// touched once results are discarded.
//
// discarded and queued are guarded by the CompletionScheduler mutex.
type Job struct {
	cmd       Command
	fd        int
	offset    int64
	length    int
	scratch   []byte
	fn        func() error
	n         int
	ok        bool
	err       error
	note      *Notification
	discarded bool
	queued    bool
	submitted time.Time
}

// Command returns the operation the job performs.
func (j *Job) Command() Command {
	return j.cmd
}

// Fd returns the target descriptor.
func (j *Job) Fd() int {
	return j.fd
}

// Offset returns the file offset; negative means the current position.
func (j *Job) Offset() int64 {
	return j.offset
}

func (j *Job) reset() {
	scratch := j.scratch[:0]
	if cap(scratch) > maxRetainedScratch {
		scratch = nil
	}
	*j = Job{scratch: scratch}
}

func (j *Job) buffer(n int) []byte {
	if cap(j.scratch) < n {
		j.scratch = make([]byte, n)
	}
	j.scratch = j.scratch[:n]
	return j.scratch
}

// execute performs the blocking call. Worker threads only.
func (j *Job) execute() {
	switch j.cmd {
	case CmdRead:
		j.n, j.err = readFull(j.fd, j.scratch[:j.length], j.offset)
	case CmdWrite:
		j.n, j.err = writeFull(j.fd, j.scratch, j.offset)
	case CmdFsync:
		j.err = fsync(j.fd)
	case CmdClose:
		j.err = closeFd(j.fd)
	case CmdCall:
		j.ok, j.err = call(j.fn)
		return
	default:
		j.err = fmt.Errorf("aio: unknown command %v", j.cmd)
	}
	j.ok = j.err == nil
}

// readFull reads until buf is full or EOF, retrying interrupted and
// partial reads. A negative off reads from the current position.
func readFull(fd int, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		var (
			n   int
			err error
		)
		if off < 0 {
			n, err = unix.Read(fd, buf[total:])
		} else {
			n, err = unix.Pread(fd, buf[total:], off+int64(total))
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// writeFull writes all of buf, retrying interrupted and partial
// writes.
func writeFull(fd int, buf []byte, off int64) (int, error) {
	total := 0
	for total < len(buf) {
		var (
			n   int
			err error
		)
		if off < 0 {
			n, err = unix.Write(fd, buf[total:])
		} else {
			n, err = unix.Pwrite(fd, buf[total:], off+int64(total))
		}
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		total += n
	}
	return total, nil
}

func fsync(fd int) error {
	for {
		err := unix.Fsync(fd)
		if !errors.Is(err, unix.EINTR) {
			return err
		}
	}
}

// closeFd never retries: after EINTR the descriptor is already
// released and may have been reused.
func closeFd(fd int) error {
	err := unix.Close(fd)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	return err
}

// call runs fn, turning a returned error or a panic into a false
// result. Nothing escapes the worker thread.
func call(fn func() error) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			if e, isErr := r.(error); isErr {
				err = fmt.Errorf("aio: call panicked: %w", e)
			} else {
				err = fmt.Errorf("aio: call panicked: %v", r)
			}
		}
	}()
	if err := fn(); err != nil {
		return false, err
	}
	return true, nil
}
