package worker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmetric/segmetric/internal/types"
	"github.com/segmetric/segmetric/internal/utils" // Using the SafeCommand wrapper
)

// Config describes how to launch the model worker.
type Config struct {
	PythonBin   string
	Script      string
	ModelPath   string
	ReadTimeout time.Duration // 0 disables the per-frame deadline
}

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration
}

// ErrTimeout is returned when the worker does not answer within ReadTimeout.
var ErrTimeout = errors.New("python worker timed out")

// RemoteError carries an exception reported by the Python side.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "python worker error: " + e.Message
}

// LoadError means the worker is running but could not load its model.
type LoadError struct {
	Message string
}

func (e *LoadError) Error() string {
	return "python worker has no model: " + e.Message
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	py := utils.NewSafeCommand(ctx, cfg.PythonBin, "-u", cfg.Script, "--model", cfg.ModelPath)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one framed message and waits for the framed reply.
// Protocol: [Length uint32 BE][Body]
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok && w.ReadTimeout > 0 {
		d.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		defer d.SetReadDeadline(time.Time{})
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.readError(err) // This is where we catch an import or model load crash
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.readError(err)
	}
	return respBody, nil
}

func (w *PythonWorker) readError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, w.ReadTimeout)
	}
	return err
}

// Detect runs the model on one RGB frame.
func (w *PythonWorker) Detect(width, height int, confidence float32, rgb []byte) (*types.DetectionResult, error) {
	req, err := EncodeRequest(width, height, confidence, rgb)
	if err != nil {
		return nil, err
	}
	body, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return DecodeResponse(body, width, height)
}

// Close shuts the worker down. Closing stdin lets the script exit on its own.
func (w *PythonWorker) Close() error {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil {
		return nil
	}
	return w.Cmd.Wait()
}
