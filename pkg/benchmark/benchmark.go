package benchmark

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Benchmark appends one CSV row per Metric to a log file:
// task,timestamp,elapsedMilli[,label...]
type Benchmark struct {
	lock    sync.Mutex
	logFile *os.File
}

type Metric struct {
	TaskName     string
	Timestamp    time.Time
	ElapsedMilli int
	Labels       []string
}

func NewMetric(taskName string, start time.Time) Metric {
	return Metric{
		TaskName:     taskName,
		ElapsedMilli: int(time.Since(start).Milliseconds()),
		Labels:       []string{},
	}
}

func (m *Metric) AddLabels(labels []string) {
	m.Labels = append(m.Labels, labels...)
}

func NewBenchmark(path string) (*Benchmark, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	b := &Benchmark{
		logFile: file,
	}

	return b, nil
}

func (b *Benchmark) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.logFile.Close()
}

func (b *Benchmark) AppendResult(m Metric) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	cols := []string{m.TaskName, m.Timestamp.Format(time.RFC3339), fmt.Sprint(m.ElapsedMilli)}
	cols = append(cols, m.Labels...)

	b.lock.Lock()
	defer b.lock.Unlock()
	_, err := b.logFile.WriteString(strings.Join(cols, ",") + "\n")
	if err != nil {
		return err
	}
	return b.logFile.Sync()
}
