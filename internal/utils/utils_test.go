package utils

import (
	"bytes"
	"context"
	"math"
	"os"
	"strings"
	"testing"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want float64
	}{
		{"integer ratio", "30/1", 30},
		{"ntsc", "30000/1001", 29.97002997},
		{"plain float", "25", 25},
		{"zero denominator", "0/0", 0},
		{"garbage", "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseRate(tt.in)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("ParseRate(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewFFmpegEncoderArgs(t *testing.T) {
	enc := NewFFmpegEncoder(context.Background(), "/tmp/clip_output.avi", 30, 400, 304)
	args := strings.Join(enc.Args, " ")

	for _, want := range []string{"-s 400x304", "-r 30", "-vtag XVID", "/tmp/clip_output.avi"} {
		if !strings.Contains(args, want) {
			t.Errorf("encoder args %q missing %q", args, want)
		}
	}
}

func TestNewFFmpegRawDecoderArgs(t *testing.T) {
	dec := NewFFmpegRawDecoder(context.Background(), "/tmp/phone.mp4")
	args := strings.Join(dec.Args, " ")

	// -noautorotate is an input option and must come before -i
	if !strings.Contains(args, "-noautorotate -i /tmp/phone.mp4") {
		t.Errorf("decoder args %q do not disable autorotation for the input", args)
	}
	for _, want := range []string{"-f rawvideo", "-pix_fmt rgba"} {
		if !strings.Contains(args, want) {
			t.Errorf("decoder args %q missing %q", args, want)
		}
	}
}

func TestSafeCommandLogs(t *testing.T) {
	var nilCmd *SafeCommand
	if nilCmd.Logs() != "" {
		t.Error("nil SafeCommand should have no logs")
	}

	s := &SafeCommand{Stderr: bytes.NewBufferString("  Traceback: boom\n")}
	if got := s.Logs(); got != "Traceback: boom" {
		t.Errorf("Logs() = %q", got)
	}
}

func TestGenerateRunKey(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "run_key_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write([]byte("fake video content")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := GenerateRunKey(tmp.Name())
	if err != nil || id == "" {
		t.Errorf("Failed to generate key: %v", err)
	}

	// Verify Determinism
	id2, _ := GenerateRunKey(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change key)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte(" modification"))
	f.Close()

	id3, _ := GenerateRunKey(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}
}
