package cli

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/fedmesh/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNetworkRun(t *testing.T) {
	addr := freeAddr(t)
	f := writeRun(t, t.TempDir(), baseRun)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	type outcome struct {
		rounds int
		err    error
	}
	coordDone := make(chan outcome, 1)
	var coordOut bytes.Buffer
	go func() {
		res, err := RunCoordinator(ctx, f, NetworkOptions{Addr: addr, Out: &coordOut, Logger: logging.NewNop()})
		o := outcome{err: err}
		if res != nil {
			o.rounds = res.Rounds
		}
		coordDone <- o
	}()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, len(f.Participants))
	outs := make([]bytes.Buffer, len(f.Participants))
	for i, id := range f.IDs() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = RunParticipant(ctx, f, id, NetworkOptions{Addr: addr, Out: &outs[i], Logger: logging.NewNop()})
		}()
	}

	o := <-coordDone
	require.NoError(t, o.err)
	assert.Equal(t, 3, o.rounds)
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "participant %d", i)
	}

	lines := strings.Split(strings.TrimSpace(coordOut.String()), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(outs[0].String(), "p1\tparams "))
}

func TestRunParticipant_Unknown(t *testing.T) {
	f := writeRun(t, t.TempDir(), baseRun)
	err := RunParticipant(context.Background(), f, "nobody", NetworkOptions{Addr: "127.0.0.1:1", Out: &bytes.Buffer{}, Logger: logging.NewNop()})
	assert.ErrorContains(t, err, "not listed")
}
