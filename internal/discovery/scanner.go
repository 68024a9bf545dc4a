// internal/discovery/scanner.go
package discovery

import (
	"strings"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// PortInfo is a raw descriptor for one enumerated serial port. HWID is
// a synthesized hardware-id string in the conventional
// "USB VID:PID=vvvv:pppp SER=ssss" form; on platforms where the
// enumerator reports no dedicated serial number field the SER= token is
// the only identity source.
type PortInfo struct {
	Path         string `json:"path"`
	VID          string `json:"vid"`
	PID          string `json:"pid"`
	SerialNumber string `json:"serial_number,omitempty"`
	HWID         string `json:"hwid,omitempty"`
	Description  string `json:"description,omitempty"`
}

// Scanner enumerates serial ports and filters them down to the known
// sniffer hardware by vendor/product ID.
type Scanner struct {
	vendorID  string
	productID string
	logger    *zap.Logger
	list      func() ([]*enumerator.PortDetails, error)
}

// NewScanner creates a scanner filtering on the given vendor/product ID
// pair (hex strings, case-insensitive, e.g. "1209"/"BABB").
func NewScanner(vendorID, productID string, logger *zap.Logger) *Scanner {
	return &Scanner{
		vendorID:  strings.ToUpper(vendorID),
		productID: strings.ToUpper(productID),
		logger:    logger.With(zap.String("component", "port-scanner")),
		list:      enumerator.GetDetailedPortsList,
	}
}

// Scan returns the matching ports currently visible to the OS. An
// enumeration failure is logged and yields an empty result; a scan
// cycle must never take the polling loop down with it.
func (s *Scanner) Scan() []PortInfo {
	details, err := s.list()
	if err != nil {
		s.logger.Warn("Serial port enumeration failed", zap.Error(err))
		return nil
	}

	var ports []PortInfo
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		if !strings.EqualFold(d.VID, s.vendorID) || !strings.EqualFold(d.PID, s.productID) {
			continue
		}
		hwid := "USB VID:PID=" + strings.ToUpper(d.VID) + ":" + strings.ToUpper(d.PID)
		if d.SerialNumber != "" {
			hwid += " SER=" + d.SerialNumber
		}
		ports = append(ports, PortInfo{
			Path:         d.Name,
			VID:          strings.ToUpper(d.VID),
			PID:          strings.ToUpper(d.PID),
			SerialNumber: d.SerialNumber,
			HWID:         hwid,
			Description:  d.Product,
		})
	}

	s.logger.Debug("Port scan completed",
		zap.Int("total_ports", len(details)),
		zap.Int("matching_ports", len(ports)),
	)

	return ports
}
