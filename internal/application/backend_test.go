package application

import (
	"errors"
	"testing"

	"asyncproxy/internal/domain"

	"golang.org/x/sys/unix"
)

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{name: "", want: "pump"},
		{name: "pump", want: "pump"},
		{name: "stream", want: "stream|pump"},
		{name: "native", wantErr: true},
	}
	for _, tt := range tests {
		b, err := NewBackend(tt.name, nil)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NewBackend(%q) succeeded", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewBackend(%q): %v", tt.name, err)
			continue
		}
		if got := b.Name(); got != tt.want {
			t.Errorf("NewBackend(%q).Name() = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestFallbackBackend(t *testing.T) {
	b, err := NewBackend("stream", nil)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("preferred", func(t *testing.T) {
		_, near := nearPair(t)
		f, err := b.NewForwarder(domain.ForwarderConfig{NearFD: near, Destination: loopback(9), Logger: &recorder{}})
		if err != nil {
			t.Fatalf("NewForwarder: %v", err)
		}
		defer f.Join(true)
		if _, ok := f.(*StreamForwarder); !ok {
			t.Errorf("got %T, want *StreamForwarder", f)
		}
	})

	t.Run("incompatible args fall back", func(t *testing.T) {
		_, near := nearPair(t)
		f, err := b.NewForwarder(domain.ForwarderConfig{
			NearFD:      near,
			Destination: loopback(9),
			Logger:      &recorder{},
			OutToIn:     func(chunk []byte) int { return len(chunk) },
		})
		if err != nil {
			t.Fatalf("NewForwarder: %v", err)
		}
		defer f.Join(true)
		if _, ok := f.(*Forwarder); !ok {
			t.Errorf("got %T, want *Forwarder", f)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		_, near := nearPair(t)
		defer unix.Close(near)
		_, err := b.NewForwarder(domain.ForwarderConfig{NearFD: near})
		if !errors.Is(err, domain.ErrConstruction) {
			t.Errorf("err = %v, want ErrConstruction", err)
		}
	})
}
