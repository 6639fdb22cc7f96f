package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
)

// timestampPattern renders "<data_path>/<host>_<ISO-timestamp>.wav",
// formatted with strftime.Format the same way doismellburning-samoyed's
// src/xmit.go and src/tq.go format timestamped names elsewhere.
const timestampPattern = "%Y-%m-%dT%H_%M_%S"

// waveWriter is the background writer bound to one rolling WAV file: it
// consumes blocks from a channel buffered to 256 blocks and rolls to a
// fresh file once maxFrames is reached, without dropping samples across
// the roll. The buffer is bounded: blocks offered while it is full are
// dropped (see enqueue).
// Grounded on batrack/audio.py's WaveWriter, which does the same thing
// with Python's wave module; since no example repo in the retrieved pack
// ships a WAV encoder, the RIFF header here is written directly with
// encoding/binary (see DESIGN.md).
type waveWriter struct {
	dataPath     string
	host         string
	samplingRate int
	maxFrames    int64

	logger *log.Logger

	blocks chan []int16
	done   chan struct{}

	onRollover func(recording bool)
}

func newWaveWriter(dataPath, host string, samplingRate int, maxFrames int64, logger *log.Logger) *waveWriter {
	return &waveWriter{
		dataPath:     dataPath,
		host:         host,
		samplingRate: samplingRate,
		maxFrames:    maxFrames,
		logger:       logger,
		blocks:       make(chan []int16, 256),
		done:         make(chan struct{}),
	}
}

// enqueue offers a block to the writer without blocking the capture
// callback; a full channel means the writer is stalled, and the block is
// dropped with a logged warning rather than risking unbounded growth in
// the callback path -- the capture callback must never block.
func (w *waveWriter) enqueue(block []int16) {
	select {
	case w.blocks <- block:
	default:
		if w.logger != nil {
			w.logger.Warn("wave writer queue full, dropping block")
		}
	}
}

// run is the writer's goroutine body. It closes writer.done when it exits,
// either because stop() closed the blocks channel or because no block
// arrived for longer than the FIFO-starvation timeout.
func (w *waveWriter) run() {
	defer close(w.done)

	var (
		file        *riffWriter
		framesWrote int64
	)

	const starvationTimeout = 5 * time.Second

	for {
		select {
		case block, ok := <-w.blocks:
			if !ok {
				if file != nil {
					file.close()
				}
				return
			}

			if file == nil {
				var err error
				file, err = w.openNewFile()
				if err != nil {
					if w.logger != nil {
						w.logger.Error("opening wav file", "err", err)
					}
					return
				}
				framesWrote = 0
			}

			remaining := w.maxFrames - framesWrote
			if int64(len(block)) > remaining && remaining >= 0 {
				file.close()
				var err error
				file, err = w.openNewFile()
				if err != nil {
					if w.logger != nil {
						w.logger.Error("rolling wav file", "err", err)
					}
					return
				}
				framesWrote = 0
			}

			if err := file.writeFrames(block); err != nil && w.logger != nil {
				w.logger.Error("writing wav frames", "err", err)
			}
			framesWrote += int64(len(block))

		case <-time.After(starvationTimeout):
			if file != nil {
				file.close()
			}
			return
		}
	}
}

func (w *waveWriter) openNewFile() (*riffWriter, error) {
	stamp, err := strftime.Format(timestampPattern, time.Now())
	if err != nil {
		return nil, fmt.Errorf("formatting wav timestamp: %w", err)
	}
	name := fmt.Sprintf("%s_%s.wav", w.host, stamp)
	full := filepath.Join(w.dataPath, name)

	if err := os.MkdirAll(w.dataPath, 0o755); err != nil {
		return nil, err
	}

	if w.logger != nil {
		w.logger.Info("creating wav file", "path", full)
	}

	return newRIFFWriter(full, w.samplingRate)
}

// stop closes the blocks channel and waits for the writer goroutine to
// drain and finalize the current file.
func (w *waveWriter) stop() {
	close(w.blocks)
	<-w.done
}

// riffWriter writes a mono 16-bit PCM WAVE file incrementally, patching the
// RIFF/data chunk sizes on close.
type riffWriter struct {
	f            *os.File
	samplingRate int
	dataBytes    int64
}

func newRIFFWriter(path string, samplingRate int) (*riffWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &riffWriter{f: f, samplingRate: samplingRate}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *riffWriter) writeHeader() error {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := w.samplingRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	hdr := make([]byte, 44)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36) // patched on close
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], numChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(w.samplingRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], 0) // patched on close

	_, err := w.f.Write(hdr)
	return err
}

func (w *riffWriter) writeFrames(samples []int16) error {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	n, err := w.f.Write(buf)
	w.dataBytes += int64(n)
	return err
}

func (w *riffWriter) close() error {
	defer w.f.Close()

	if _, err := w.f.Seek(4, 0); err == nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(36+w.dataBytes))
		w.f.Write(b[:])
	}
	if _, err := w.f.Seek(40, 0); err == nil {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(w.dataBytes))
		w.f.Write(b[:])
	}
	return nil
}
