// Package serialline carries the line protocol over a serial port without
// ever blocking the sampling loop on a read.
package serialline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tarm/serial"

	"github.com/thatsimonsguy/ups-emulator/internal/config"
)

const (
	maxLineLength = 64
	chunkBacklog  = 32
)

// LineBuffer accumulates received bytes and splits them on '\r'.
type LineBuffer struct {
	buf []byte
}

// Write never fails. Input that grows past maxLineLength without a
// terminator is discarded, since no valid command is that long.
func (b *LineBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > maxLineLength && bytes.IndexByte(b.buf, '\r') < 0 {
		log.Debug().Int("bytes", len(b.buf)).Msg("discarding unterminated serial input")
		b.buf = b.buf[:0]
	}
	return len(p), nil
}

// Next pops the oldest complete line, without its terminator.
func (b *LineBuffer) Next() (string, bool) {
	i := bytes.IndexByte(b.buf, '\r')
	if i < 0 {
		return "", false
	}
	line := string(b.buf[:i])
	b.buf = append(b.buf[:0], b.buf[i+1:]...)
	return line, true
}

// Port reads in a background goroutine and hands complete lines to the
// caller through PollLine. Writes go straight to the device.
type Port struct {
	rwc    io.ReadWriteCloser
	chunks chan []byte
	errs   chan error
	done   chan struct{}
	once   sync.Once
	lines  LineBuffer
	failed error
}

var openPort = func(c *serial.Config) (io.ReadWriteCloser, error) {
	return serial.OpenPort(c)
}

func Open(cfg config.Serial) (*Port, error) {
	sp, err := openPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: time.Duration(cfg.ReadTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	log.Info().Str("port", cfg.Port).Int("baud", cfg.Baud).Msg("Serial port opened")
	return NewPort(sp), nil
}

func NewPort(rwc io.ReadWriteCloser) *Port {
	p := &Port{
		rwc:    rwc,
		chunks: make(chan []byte, chunkBacklog),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *Port) readLoop() {
	buf := make([]byte, maxLineLength)
	for {
		n, err := p.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case p.chunks <- chunk:
			case <-p.done:
				return
			}
		}

		select {
		case <-p.done:
			return
		default:
		}

		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// read timeout expired with nothing received
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.errs <- err
		return
	}
}

// PollLine returns at most one complete line and never blocks. Once the
// reader has failed, every later call returns the same error.
func (p *Port) PollLine() (string, bool, error) {
drain:
	for {
		select {
		case chunk := <-p.chunks:
			p.lines.Write(chunk)
		default:
			break drain
		}
	}

	if line, ok := p.lines.Next(); ok {
		return line, true, nil
	}

	if p.failed != nil {
		return "", false, p.failed
	}
	select {
	case err := <-p.errs:
		p.failed = fmt.Errorf("serial read failed: %w", err)
		return "", false, p.failed
	default:
	}
	return "", false, nil
}

func (p *Port) Write(b []byte) (int, error) {
	return p.rwc.Write(b)
}

func (p *Port) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.rwc.Close()
	})
	return err
}
