// internal/traffic/parse.go
package traffic

import (
	"regexp"
	"strconv"
)

// Radio report line formats emitted by the firmware's control port.
var (
	loraRxRe = regexp.MustCompile(`^RX:\s*([A-Fa-f0-9]+)\s*\|\s*RSSI:\s*(-?\d+)\s*\|\s*SNR:\s*(-?\d+)`)
	fskRxRe  = regexp.MustCompile(`^FSK RX:\s*([A-Fa-f0-9]+)\s*\|\s*RSSI:\s*(-?\d+)\s*\|\s*Len:\s*(\d+)`)
)

// ParseRadioLine extracts structured fields from a radio report line.
// Returns nil for payloads in no known format.
func ParseRadioLine(line string) map[string]interface{} {
	if m := loraRxRe.FindStringSubmatch(line); m != nil {
		rssi, _ := strconv.Atoi(m[2])
		snr, _ := strconv.Atoi(m[3])
		return map[string]interface{}{
			"type": "lora_rx",
			"data": m[1],
			"rssi": rssi,
			"snr":  snr,
		}
	}
	if m := fskRxRe.FindStringSubmatch(line); m != nil {
		rssi, _ := strconv.Atoi(m[2])
		length, _ := strconv.Atoi(m[3])
		return map[string]interface{}{
			"type": "fsk_rx",
			"data": m[1],
			"rssi": rssi,
			"len":  length,
		}
	}
	return nil
}
