package ehci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

func TestTransferError_Unwrap(t *testing.T) {
	tests := []struct {
		status uint8
		want   error
	}{
		{hw.StatusHalted, pkg.ErrStall},
		{hw.StatusHalted | hw.StatusBabble, pkg.ErrBabble},
		{hw.StatusHalted | hw.StatusBufferErr, pkg.ErrOverrun},
		{hw.StatusHalted | hw.StatusXactErr, pkg.ErrProtocol},
		{hw.StatusHalted | hw.StatusMissedUF, pkg.ErrTimeout},
		{hw.StatusPing, pkg.ErrProtocol},
	}
	for _, tt := range tests {
		err := resultError(-int(tt.status))
		require.Error(t, err)
		assert.ErrorIs(t, err, tt.want, "status %#02x", tt.status)

		var te *TransferError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, -int(tt.status), te.Result())
	}
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError(0))
	assert.NoError(t, resultError(512))
	assert.EqualError(t, resultError(-0x48), "ehci: transfer error (status 0x48)")
}

func TestExhausted(t *testing.T) {
	err := exhausted(ErrQTDSpaceFull)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.ErrorIs(t, err, ErrQTDSpaceFull)
	assert.ErrorIs(t, err, pkg.ErrNoResources)
	assert.NotErrorIs(t, err, ErrQHSpaceFull)
}
