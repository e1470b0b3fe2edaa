package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/internal/config"
	"github.com/ardnew/softehci/pkg/usbid"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env", "testdata/none.env"))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate", "-c", "testdata/quick.yaml")
	require.NoError(t, err)
	assert.Equal(t, "ok: 2 port(s), 1 device(s), 1s\n", out)

	_, err = execute(t, "validate", "-c", "testdata/missing.yaml")
	assert.Error(t, err)

	_, err = execute(t, "validate", "--log-format", "xml")
	assert.Error(t, err)
}

func TestLayoutCommand(t *testing.T) {
	out, err := execute(t, "layout")
	require.NoError(t, err)
	assert.Contains(t, out, "0x2000")
	assert.Contains(t, out, "21 pages")

	out, err = execute(t, "layout", "--arena-pages", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "9 pages")

	_, err = execute(t, "layout", "--arena-pages", "-1")
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	s, err := config.Load("testdata/quick.yaml")
	require.NoError(t, err)

	r, err := run(context.Background(), s, &usbid.Database{})
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.Equal(t, 1, r.enumerated)
	require.Len(t, r.devices, 1)
	assert.Equal(t, attachment{
		port:    2,
		address: 1,
		speed:   hal.SpeedHigh,
		vendor:  0x1209,
		product: 0x0002,
		name:    "Quick",
	}, r.devices[0])
	assert.Positive(t, r.frames)

	in := r.endpoints[[2]int{2, 0x81}]
	require.NotNil(t, in)
	assert.Equal(t, hal.TransferBulk, in.kind)
	assert.Equal(t, 1, in.stalls)
	assert.Equal(t, 5, in.transfers)
	assert.Equal(t, 5*2048, in.bytes)

	out := r.endpoints[[2]int{2, 0x02}]
	require.NotNil(t, out)
	assert.Equal(t, 4, out.transfers)
	assert.Equal(t, 4000, out.bytes)

	intr := r.endpoints[[2]int{2, 0x83}]
	require.NotNil(t, intr)
	assert.Equal(t, 3, intr.transfers)
	assert.Zero(t, intr.errors)

	var buf bytes.Buffer
	r.print(&buf)
	assert.Contains(t, buf.String(), "0x81")
	assert.Contains(t, buf.String(), "1 enumerated")
}
