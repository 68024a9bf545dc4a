// internal/traffic/sink.go
package traffic

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"sniffer-bench/internal/model"
)

// Direction marks which way a log entry travelled on the wire.
type Direction string

const (
	DirectionTX Direction = "TX"
	DirectionRX Direction = "RX"
)

// Entry is a single traffic log record. Mark entries are synthetic
// separators and carry no traffic fields.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	DeviceID  string                 `json:"device_id,omitempty"`
	Role      model.EndpointRole     `json:"role,omitempty"`
	Direction Direction              `json:"direction,omitempty"`
	Data      string                 `json:"data,omitempty"`
	Parsed    map[string]interface{} `json:"parsed,omitempty"`
	Mark      bool                   `json:"mark,omitempty"`
}

// Format renders the entry as a single export/display line.
func (e Entry) Format() string {
	ts := e.Timestamp.Format("15:04:05.000")
	if e.Mark {
		rule := strings.Repeat("-", 30)
		return fmt.Sprintf("%s %s MARK %s", ts, rule, rule)
	}
	arrow := "<"
	if e.Direction == DirectionTX {
		arrow = ">"
	}
	return fmt.Sprintf("%s [%s][%s] %s %s", ts, e.DeviceID, e.Role, arrow, e.Data)
}

// Query selects a subset of log entries. Zero fields match everything;
// mark entries always pass so boundaries survive filtering.
type Query struct {
	DeviceID string             `json:"device_id,omitempty"`
	Role     model.EndpointRole `json:"role,omitempty"`
	Search   string             `json:"search,omitempty"`
}

func (q Query) matches(e Entry) bool {
	if e.Mark {
		return true
	}
	if q.DeviceID != "" && e.DeviceID != q.DeviceID {
		return false
	}
	if q.Role != "" && e.Role != q.Role {
		return false
	}
	if q.Search != "" && !strings.Contains(strings.ToLower(e.Data), strings.ToLower(q.Search)) {
		return false
	}
	return true
}

// Sink is a fixed-capacity ring buffer of traffic entries. Appends
// evict the oldest entry once capacity is reached. The internal lock
// covers only slice bookkeeping; readers get copies.
type Sink struct {
	mu        sync.Mutex
	buf       []Entry
	start     int
	count     int
	capacity  int
	exportDir string
	logger    *zap.Logger
}

// NewSink creates a sink holding at most capacity entries.
func NewSink(capacity int, exportDir string, logger *zap.Logger) *Sink {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Sink{
		buf:       make([]Entry, capacity),
		capacity:  capacity,
		exportDir: exportDir,
		logger:    logger.With(zap.String("component", "log-sink")),
	}
}

// Append adds one entry, stamping it if the caller did not.
func (s *Sink) Append(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	s.mu.Lock()
	if s.count < s.capacity {
		s.buf[(s.start+s.count)%s.capacity] = e
		s.count++
	} else {
		s.buf[s.start] = e
		s.start = (s.start + 1) % s.capacity
	}
	s.mu.Unlock()
}

// AppendTX records an outbound unit.
func (s *Sink) AppendTX(deviceID string, role model.EndpointRole, data string) {
	s.Append(Entry{DeviceID: deviceID, Role: role, Direction: DirectionTX, Data: data})
}

// AppendRX records an inbound unit, attaching structured fields when
// the payload matches a known radio report format.
func (s *Sink) AppendRX(deviceID string, role model.EndpointRole, data string) {
	s.Append(Entry{
		DeviceID:  deviceID,
		Role:      role,
		Direction: DirectionRX,
		Data:      data,
		Parsed:    ParseRadioLine(data),
	})
}

// AddMark inserts a synthetic separator entry.
func (s *Sink) AddMark() {
	s.Append(Entry{Mark: true})
}

// Len returns the current entry count.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Snapshot copies out all entries in arrival order.
func (s *Sink) Snapshot() []Entry {
	return s.Filter(Query{})
}

// Filter copies out the entries matching q, preserving arrival order.
// It never mutates buffer state.
func (s *Sink) Filter(q Query) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, s.count)
	for i := 0; i < s.count; i++ {
		e := s.buf[(s.start+i)%s.capacity]
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all entries.
func (s *Sink) Clear() {
	s.mu.Lock()
	s.start = 0
	s.count = 0
	s.mu.Unlock()
}

// WriteTo streams the given entries to w, one formatted line each.
func (s *Sink) WriteTo(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := bw.WriteString(e.Format() + "\n"); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}
	return bw.Flush()
}

// Export writes the entries matching q (all entries when q is nil) to
// a timestamped file under the export directory and returns its path.
func (s *Sink) Export(q *Query) (string, error) {
	if err := os.MkdirAll(s.exportDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	query := Query{}
	suffix := "all"
	if q != nil {
		query = *q
		if q.DeviceID != "" {
			suffix = "device-" + q.DeviceID
		}
	}
	entries := s.Filter(query)

	name := fmt.Sprintf("sniffer_log_%s_%s.txt", time.Now().Format("20060102_150405"), suffix)
	path := filepath.Join(s.exportDir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if err := s.WriteTo(f, entries); err != nil {
		return "", err
	}

	s.logger.Info("Log export written",
		zap.String("path", path),
		zap.Int("entries", len(entries)),
	)
	return path, nil
}
