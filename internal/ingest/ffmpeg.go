package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

const maxJPEGBytes = 10 << 20

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// FrameFunc receives one JPEG frame. An error is logged and the stream
// continues.
type FrameFunc func(ctx context.Context, jpeg []byte) error

// Source produces JPEG frames from a camera URL until ctx is cancelled or
// the stream ends.
type Source interface {
	Run(ctx context.Context, url string, fps, width int, onFrame FrameFunc) error
}

// FFmpegSource decodes camera streams with an ffmpeg subprocess writing
// MJPEG to stdout.
type FFmpegSource struct {
	Binary string // defaults to "ffmpeg" on PATH
}

func (f FFmpegSource) Run(ctx context.Context, url string, fps, width int, onFrame FrameFunc) error {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	cmd := exec.CommandContext(ctx, bin, ffmpegArgs(url, fps, width)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Warn("ffmpeg", "url", redact(url), "output", sc.Text())
		}
	}()

	splitErr := splitJPEG(ctx, stdout, onFrame)
	waitErr := cmd.Wait()
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case splitErr != nil:
		return fmt.Errorf("read frames: %w", splitErr)
	case waitErr != nil:
		return fmt.Errorf("ffmpeg exited: %w", waitErr)
	}
	return nil
}

func ffmpegArgs(url string, fps, width int) []string {
	args := []string{"-hide_banner", "-loglevel", "warning"}

	switch {
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		// Timeouts are in microseconds.
		args = append(args, "-rtsp_transport", "tcp", "-timeout", "5000000")
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-rw_timeout", "10000000",
		)
	}

	return append(args,
		"-i", url,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-2", fps, width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)
}

// splitJPEG cuts a stream of concatenated JPEG images at SOI/EOI markers.
// An empty stream is an error; a stream ending mid-frame after at least one
// full frame is a normal end.
func splitJPEG(ctx context.Context, r io.Reader, onFrame FrameFunc) error {
	br := bufio.NewReaderSize(r, 512<<10)
	frames := 0

	for ctx.Err() == nil {
		if err := skipTo(br, jpegStart); err != nil {
			if errors.Is(err, io.EOF) {
				if frames == 0 {
					return errors.New("no frames received")
				}
				return nil
			}
			return err
		}

		frame, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) && frames > 0 {
				return nil
			}
			return err
		}

		frames++
		if err := onFrame(ctx, frame); err != nil {
			slog.Warn("frame handler failed", "error", err)
		}
	}
	return ctx.Err()
}

func skipTo(br *bufio.Reader, marker []byte) error {
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return err
		}
		if prev == marker[0] && b == marker[1] {
			return nil
		}
		prev = b
	}
}

// readFrame reads from just after SOI up to and including EOI.
func readFrame(br *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(jpegStart)
	prev := byte(0)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return nil, err
		}
		buf.WriteByte(b)
		if prev == jpegEnd[0] && b == jpegEnd[1] {
			return buf.Bytes(), nil
		}
		prev = b
		if buf.Len() > maxJPEGBytes {
			return nil, fmt.Errorf("jpeg frame exceeds %d bytes", maxJPEGBytes)
		}
	}
}

// redact strips credentials from a camera URL before it is logged.
func redact(url string) string {
	scheme, rest, ok := strings.Cut(url, "://")
	if !ok {
		return url
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			return scheme + "://***@" + rest[at+1:]
		}
	}
	return url
}
