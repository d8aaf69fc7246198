// Package journal is a durable append-only log of envelopes accepted for
// storage but not yet committed to it.
package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tinytelemetry/ingress/internal/model"
	"github.com/tinytelemetry/ingress/internal/wire"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755

	// frames larger than this are treated as corruption
	maxFrameSize = 64 << 20
)

var errTornFrame = errors.New("journal: torn frame")

// Journal stores one frame per envelope and tracks commit progress in a
// sidecar file. A frame is a uvarint body length, the body (sequence number
// and wire-encoded envelope) and a CRC32 of the body.
type Journal struct {
	mu         sync.Mutex
	path       string
	commitPath string
	file       *os.File
	nextSeq    uint64
	committed  uint64
}

type frame struct {
	seq uint64
	raw []byte // body as read, reused for compaction
	env []byte
}

// Open creates or opens a journal at path. On startup it compacts committed
// entries and drops a partially written trailing frame.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	commitPath := path + ".commit"
	committed, err := readCommitted(commitPath)
	if err != nil {
		return nil, err
	}

	maxSeq, err := compactCommitted(path, committed)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	next := max(maxSeq, committed) + 1
	return &Journal{
		path:       path,
		commitPath: commitPath,
		file:       f,
		nextSeq:    next,
		committed:  committed,
	}, nil
}

// Append persists one envelope and returns its sequence number.
func (j *Journal) Append(env *model.Envelope) (uint64, error) {
	if env == nil {
		return 0, errors.New("journal: nil envelope")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return 0, errors.New("journal: closed")
	}

	seq := j.nextSeq
	var body []byte
	body = protowire.AppendTag(body, 1, protowire.VarintType)
	body = protowire.AppendVarint(body, seq)
	body = protowire.AppendTag(body, 2, protowire.BytesType)
	body = protowire.AppendBytes(body, wire.AppendEnvelope(nil, env))

	if _, err := j.file.Write(encodeFrame(body)); err != nil {
		return 0, fmt.Errorf("journal: write frame: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return 0, fmt.Errorf("journal: sync frame: %w", err)
	}
	j.nextSeq++
	return seq, nil
}

// Commit marks all entries up to seq as committed.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if seq <= j.committed {
		return nil
	}
	if err := writeCommitted(j.commitPath, seq); err != nil {
		return err
	}
	j.committed = seq
	return nil
}

// Committed returns the highest committed sequence number.
func (j *Journal) Committed() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.committed
}

// Replay calls fn for each uncommitted entry in sequence order.
func (j *Journal) Replay(fn func(seq uint64, env *model.Envelope) error) error {
	if fn == nil {
		return errors.New("journal: replay callback is nil")
	}

	j.mu.Lock()
	path := j.path
	committed := j.committed
	j.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer f.Close()

	return readFrames(bufio.NewReader(f), func(fr frame) error {
		if fr.seq <= committed {
			return nil
		}
		env := new(model.Envelope)
		if err := wire.UnmarshalEnvelope(fr.env, env); err != nil {
			return fmt.Errorf("journal: decode seq %d: %w", fr.seq, err)
		}
		return fn(fr.seq, env)
	})
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func encodeFrame(body []byte) []byte {
	out := binary.AppendUvarint(nil, uint64(len(body)))
	out = append(out, body...)
	return binary.LittleEndian.AppendUint32(out, crc32.ChecksumIEEE(body))
}

// readFrames calls fn for every intact frame and stops silently at the first
// torn or corrupt one.
func readFrames(r *bufio.Reader, fn func(frame) error) error {
	for {
		fr, err := readFrame(r)
		if errors.Is(err, io.EOF) || errors.Is(err, errTornFrame) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(fr); err != nil {
			return err
		}
	}
}

func readFrame(r *bufio.Reader) (frame, error) {
	size, err := binary.ReadUvarint(r)
	if errors.Is(err, io.EOF) {
		return frame{}, io.EOF
	}
	if err != nil || size > maxFrameSize {
		return frame{}, errTornFrame
	}
	buf := make([]byte, size+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return frame{}, errTornFrame
		}
		return frame{}, fmt.Errorf("journal: read frame: %w", err)
	}
	body := buf[:size]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(buf[size:]) {
		return frame{}, errTornFrame
	}

	fr := frame{raw: body}
	for b := body; len(b) > 0; {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame{}, errTornFrame
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			fr.seq, n = protowire.ConsumeVarint(b)
		case num == 2 && typ == protowire.BytesType:
			fr.env, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return frame{}, errTornFrame
		}
		b = b[n:]
	}
	return fr, nil
}

func readCommitted(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal: read commit file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("journal: parse commit seq: %w", err)
	}
	return seq, nil
}

// writeCommitted replaces the commit file atomically.
func writeCommitted(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("journal: open commit tmp: %w", err)
	}
	_, err = f.WriteString(strconv.FormatUint(seq, 10) + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: write commit tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("journal: rename commit file: %w", err)
	}
	return nil
}

// compactCommitted rewrites the journal without committed frames and
// returns the highest sequence number seen.
func compactCommitted(path string, committed uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("journal: open compact tmp: %w", err)
	}
	fail := func(err error) (uint64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	var maxSeq uint64
	w := bufio.NewWriter(dst)
	err = readFrames(bufio.NewReader(src), func(fr frame) error {
		maxSeq = max(maxSeq, fr.seq)
		if fr.seq <= committed {
			return nil
		}
		if _, err := w.Write(encodeFrame(fr.raw)); err != nil {
			return fmt.Errorf("journal: compact write: %w", err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("journal: compact flush: %w", err))
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("journal: compact sync: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, nil
}
