package wire

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPipeRoundtrip(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	n, err := a.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	buf := make([]byte, 8)
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, buf[:n])

	// and the other direction
	_, err = b.Write([]byte{9})
	require.NoError(t, err)
	n, err = a.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{9}, buf[:n])
}

func TestPipeReadTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.SetReadTimeout(20 * time.Millisecond))
	start := time.Now()
	n, err := b.Read(make([]byte, 4))
	require.NoError(t, err)
	require.Zero(t, n)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPipeTimeoutThenData(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	require.NoError(t, b.SetReadTimeout(10 * time.Millisecond))
	n, err := b.Read(make([]byte, 4))
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = a.Write([]byte{7})
	require.NoError(t, err)
	buf := make([]byte, 4)
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{7}, buf[:n])
}

func TestPipeClose(t *testing.T) {
	a, b := Pipe()
	_, err := a.Write([]byte{1, 2})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// data written before the close still drains
	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, buf[:n])

	_, err = b.Read(buf)
	require.Equal(t, io.EOF, err)

	_, err = b.Write([]byte{3})
	require.Equal(t, io.ErrClosedPipe, err)
}

func TestPipeBlockingRead(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	defer b.Close()

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4)
		n, err := b.Read(buf)
		if err == nil {
			got <- buf[:n]
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := a.Write([]byte{0x42})
	require.NoError(t, err)
	select {
	case data := <-got:
		require.Equal(t, []byte{0x42}, data)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("blocking read never woke")
	}
}
