// Package segment 是按页面划分的只追加日志文件。
//
// 记录格式（小端）：
//
//	seq(8) | len(4) | crc32c(4) | payload(len)
//
// crc 覆盖 seq、len 和 payload。打开文件时顺序扫描，遇到不完整的头、
// 不完整的 payload、校验失败或 seq 不递增就认为是崩溃留下的残尾，截断到最后一条有效记录。
package segment

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	headerSize = 16
	// 单条记录上限，超过视为损坏
	MaxPayload = 16 << 20
)

var (
	ErrNonMonotonic = errors.New("segment: sequence number must increase")
	ErrTooLarge     = errors.New("segment: payload too large")
	ErrClosed       = errors.New("segment: closed")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

type Record struct {
	Seq     uint64
	Payload []byte
}

type Segment struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	size    int64
	count   int
	lastSeq uint64
}

// Open 打开或创建 path，并截断残尾
func Open(path string) (*Segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating segment directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", path, err)
	}
	s := &Segment{f: f, path: path}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	valid, err := scan(bufio.NewReader(f), func(r Record) {
		s.count++
		s.lastSeq = r.Seq
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("scanning segment %s: %w", path, err)
	}
	if valid < st.Size() {
		log.Warn().Str("segment", path).Int64("size", st.Size()).Int64("valid", valid).Msg("truncating torn segment tail")
		if err := f.Truncate(valid); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncating segment %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	s.size = valid
	return s, nil
}

// scan 逐条解码，返回最后一条有效记录之后的偏移。残尾不算错误，只有读失败才返回 error。
func scan(r io.Reader, fn func(Record)) (int64, error) {
	var (
		offset  int64
		count   int
		lastSeq uint64
		header  [headerSize]byte
	)
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return offset, nil
			}
			return offset, err
		}
		seq := binary.LittleEndian.Uint64(header[0:8])
		n := binary.LittleEndian.Uint32(header[8:12])
		want := binary.LittleEndian.Uint32(header[12:16])
		if n > MaxPayload {
			return offset, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return offset, nil
			}
			return offset, err
		}
		if checksum(header[0:12], payload) != want {
			return offset, nil
		}
		if count > 0 && seq <= lastSeq {
			return offset, nil
		}
		fn(Record{Seq: seq, Payload: payload})
		count++
		lastSeq = seq
		offset += headerSize + int64(n)
	}
}

func checksum(head, payload []byte) uint32 {
	h := crc32.New(crcTable)
	h.Write(head)
	h.Write(payload)
	return h.Sum32()
}

// Append 写入一条记录并 fsync，返回 nil 即已落盘。
// seq 必须大于上一条记录的 seq（第一条记录可以是 0）。
func (s *Segment) Append(seq uint64, payload []byte) error {
	if len(payload) > MaxPayload {
		return ErrTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if s.count > 0 && seq <= s.lastSeq {
		return fmt.Errorf("%w: %d after %d", ErrNonMonotonic, seq, s.lastSeq)
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:16], checksum(buf[0:12], payload))
	copy(buf[headerSize:], payload)

	if _, err := s.f.WriteAt(buf, s.size); err != nil {
		// 写了一半的记录下次打开时会被截掉
		return fmt.Errorf("writing segment %s: %w", s.path, err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("syncing segment %s: %w", s.path, err)
	}
	s.size += int64(len(buf))
	s.count++
	s.lastSeq = seq
	return nil
}

// Records 从头读出所有已提交的记录
func (s *Segment) Records() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrClosed
	}
	out := make([]Record, 0, s.count)
	_, err := scan(bufio.NewReader(io.NewSectionReader(s.f, 0, s.size)), func(r Record) {
		out = append(out, r)
	})
	if err != nil {
		return nil, fmt.Errorf("reading segment %s: %w", s.path, err)
	}
	return out, nil
}

func (s *Segment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// LastSeq 在没有记录时返回 false
func (s *Segment) LastSeq() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq, s.count > 0
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
