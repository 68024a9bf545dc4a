// internal/discovery/scanner_test.go
package discovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

func TestScanFiltersVendorProduct(t *testing.T) {
	s := NewScanner("1209", "BABB", zap.NewNop())
	s.list = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "1209", PID: "BABB", SerialNumber: "AA11BB", Product: "Sniffer Bridge"},
			{Name: "/dev/ttyACM1", IsUSB: true, VID: "1209", PID: "babb", SerialNumber: "AA11BB", Product: "Sniffer Shell"},
			{Name: "/dev/ttyACM2", IsUSB: true, VID: "0403", PID: "6001", SerialNumber: "FTDI01"},
			{Name: "/dev/ttyS0", IsUSB: false},
		}, nil
	}

	ports := s.Scan()
	require.Len(t, ports, 2)
	assert.Equal(t, "/dev/ttyACM0", ports[0].Path)
	assert.Equal(t, "AA11BB", ports[0].SerialNumber)
	assert.Equal(t, "Sniffer Bridge", ports[0].Description)
	// Case-insensitive PID compare keeps the second port.
	assert.Equal(t, "/dev/ttyACM1", ports[1].Path)
}

func TestScanEnumerationFailureReturnsEmpty(t *testing.T) {
	s := NewScanner("1209", "BABB", zap.NewNop())
	s.list = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("udev unavailable")
	}

	assert.Empty(t, s.Scan())
}
